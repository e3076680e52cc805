// Package graph builds the per-run dependency graph: declared objects plus
// schema metadata resolved into lookup edges, ownership links, and operation
// normalization.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/datamove-io/datamove/internal/endpoint"
	"github.com/datamove-io/datamove/internal/query"
	"github.com/datamove-io/datamove/pkg/models"
)

// Builder resolves declared migration objects against endpoint schema
// metadata. Describe calls are the only concurrent work in a run; they are
// read-only and order-independent.
type Builder struct {
	Source endpoint.SchemaProvider
	Target endpoint.SchemaProvider
	Logger *logrus.Logger
}

// NewBuilder creates a dependency graph builder.
func NewBuilder(source, target endpoint.SchemaProvider, logger *logrus.Logger) *Builder {
	return &Builder{Source: source, Target: target, Logger: logger}
}

// Build parses queries, describes objects on both endpoints, resolves lookup
// fields, auto-adds referenced parents, and normalizes operations. The
// returned slice preserves declaration order, with auto-added objects
// appended. Structural problems (unusable query, unknown external-identifier
// field) are fatal; a missing object is excluded with a warning.
func (b *Builder) Build(ctx context.Context, objects []*models.MigrationObject) ([]*models.MigrationObject, error) {
	for _, obj := range objects {
		if err := b.parseDeclared(obj); err != nil {
			return nil, err
		}
	}

	all := append([]*models.MigrationObject{}, objects...)
	pending := all

	// Auto-added parents may themselves reference further parents, so
	// describe/link runs in rounds until nothing new appears.
	for len(pending) > 0 {
		if err := b.describeAll(ctx, pending); err != nil {
			return nil, err
		}
		var added []*models.MigrationObject
		for _, obj := range pending {
			if obj.Excluded {
				continue
			}
			newParents, err := b.linkObject(ctx, obj, &all)
			if err != nil {
				return nil, err
			}
			added = append(added, newParents...)
		}
		pending = added
	}

	out := make([]*models.MigrationObject, 0, len(all))
	for _, obj := range all {
		if obj.Excluded {
			continue
		}
		if err := b.finalize(obj); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// parseDeclared extracts the field list and predicate tail from a declared
// query.
func (b *Builder) parseDeclared(obj *models.MigrationObject) error {
	parsed, err := query.Parse(obj.Query)
	if err != nil {
		return fmt.Errorf("object %q: %w", obj.Name, err)
	}
	obj.Name = parsed.Object
	obj.Where = parsed.Where
	obj.Limit = parsed.Limit
	if parsed.All {
		obj.Fields = nil // expanded from describe after the schema round
	} else {
		obj.Fields = parsed.Fields
	}
	return nil
}

// describeAll fetches schema metadata for every object on both endpoints,
// concurrently across objects.
func (b *Builder) describeAll(ctx context.Context, objects []*models.MigrationObject) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var fatal error

	for _, obj := range objects {
		wg.Add(1)
		go func(o *models.MigrationObject) {
			defer wg.Done()

			src, err := b.Source.Describe(ctx, o.Name, true)
			if err != nil && !errors.Is(err, endpoint.ErrObjectNotFound) {
				mu.Lock()
				if fatal == nil {
					fatal = err
				}
				mu.Unlock()
				return
			}
			tgt, terr := b.Target.Describe(ctx, o.EffectiveTargetName(), false)
			if terr != nil && !errors.Is(terr, endpoint.ErrObjectNotFound) {
				mu.Lock()
				if fatal == nil {
					fatal = terr
				}
				mu.Unlock()
				return
			}

			mu.Lock()
			o.SourceDescribe = src
			o.TargetDescribe = tgt
			mu.Unlock()
		}(obj)
	}
	wg.Wait()
	return fatal
}

// linkObject resolves the object's lookup fields and returns any parents
// that had to be auto-added.
func (b *Builder) linkObject(ctx context.Context, obj *models.MigrationObject, all *[]*models.MigrationObject) ([]*models.MigrationObject, error) {
	if obj.SourceDescribe == nil {
		b.Logger.Warningf("Object %s not found on source, excluding from run", obj.Name)
		obj.Excluded = true
		return nil, nil
	}
	if obj.TargetDescribe == nil && !obj.IsReadOnly() {
		b.Logger.Warningf("Object %s not found on target, downgrading to %s", obj.Name, models.ReadOnly)
		obj.Operation = models.ReadOnly
	}

	if len(obj.Fields) == 0 {
		// "SELECT *" declarations expand to every described field, sorted so
		// rebuilt queries and written headers are stable run to run.
		for name := range obj.SourceDescribe.Fields {
			obj.Fields = append(obj.Fields, name)
		}
		sort.Strings(obj.Fields)
	}

	poly := b.polymorphicSet(ctx, obj.Name)

	var added []*models.MigrationObject
	for _, field := range obj.Fields {
		desc := b.fieldDescribe(obj, field)
		if desc == nil || !desc.IsLookup() {
			continue
		}
		if obj.LookupByName(field) != nil {
			continue
		}
		lookup := &models.LookupField{
			Name:            desc.Name,
			Object:          obj,
			ReferencedNames: desc.ReferenceTo,
			IsMasterDetail:  desc.CascadeDelete,
		}
		if poly[strings.ToLower(field)] {
			lookup.ReferencedNames = appendUnique(lookup.ReferencedNames, desc.ReferenceTo...)
		}

		parent := findObject(*all, lookup.ReferencedNames)
		if parent == nil {
			if lookup.Polymorphic() {
				// Polymorphic lookups whose targets are all absent stay
				// flagged and contribute no ordering edge.
				lookup.PolymorphicUnresolved = true
				b.Logger.Debugf("Polymorphic lookup %s.%s has no resolvable target in this run", obj.Name, field)
			} else {
				parent = b.autoAddParent(lookup.ReferencedNames[0])
				*all = append(*all, parent)
				added = append(added, parent)
			}
		}
		lookup.Parent = parent
		if parent != nil && parent.Master {
			// Declared ownership overrides whatever the schema reports.
			lookup.IsMasterDetail = true
		}
		obj.Lookups = append(obj.Lookups, lookup)
	}
	return added, nil
}

// autoAddParent synthesizes a ReadOnly object for a lookup target that was
// not declared.
func (b *Builder) autoAddParent(name string) *models.MigrationObject {
	b.Logger.Infof("Auto-adding referenced object %s as %s", name, models.ReadOnly)
	obj := &models.MigrationObject{
		Name:      name,
		Query:     fmt.Sprintf("SELECT * FROM %s", name),
		Operation: models.ReadOnly,
		AutoAdded: true,
	}
	return obj
}

// finalize prunes unusable fields, validates the external identifier, and
// normalizes the operation against target permissions.
func (b *Builder) finalize(obj *models.MigrationObject) error {
	kept := obj.Fields[:0]
	for _, f := range obj.Fields {
		if b.fieldDescribe(obj, f) == nil {
			b.Logger.Warningf("Field %s.%s not present in schema metadata, dropping", obj.Name, f)
			continue
		}
		if containsFold(obj.ExcludedFields, f) {
			continue
		}
		kept = append(kept, f)
	}
	obj.Fields = kept
	if len(obj.Fields) == 0 {
		return fmt.Errorf("object %q: no usable fields remain after schema validation", obj.Name)
	}
	if !containsFold(obj.Fields, models.IDField) {
		obj.Fields = append([]string{models.IDField}, obj.Fields...)
	}

	if obj.ExternalID == "" {
		obj.ExternalID = obj.SourceDescribe.NameField()
	}
	for _, ext := range obj.ExternalIDFields() {
		if obj.SourceDescribe.FieldByName(ext) == nil {
			return fmt.Errorf("object %q: external identifier field %q not found in schema metadata", obj.Name, ext)
		}
	}

	if obj.Operation.IsWrite() && obj.TargetDescribe != nil {
		switch {
		case obj.Operation == models.Insert && !obj.TargetDescribe.Creatable,
			obj.Operation == models.Update && !obj.TargetDescribe.Updatable,
			obj.Operation == models.Upsert && !(obj.TargetDescribe.Creatable || obj.TargetDescribe.Updatable):
			b.Logger.Warningf("Target disallows %s on %s, downgrading to %s", obj.Operation, obj.Name, models.ReadOnly)
			obj.Operation = models.ReadOnly
		}
	}
	if obj.Operation.IsDelete() && obj.TargetDescribe != nil && !obj.TargetDescribe.Deletable {
		b.Logger.Warningf("Target disallows delete on %s, downgrading to %s", obj.Name, models.ReadOnly)
		obj.Operation = models.ReadOnly
	}
	return nil
}

// fieldDescribe returns field metadata from the source describe, falling
// back to the target describe so file sources still learn lookup targets.
func (b *Builder) fieldDescribe(obj *models.MigrationObject, field string) *models.FieldDescribe {
	var src, tgt *models.FieldDescribe
	if obj.SourceDescribe != nil {
		src = obj.SourceDescribe.FieldByName(field)
	}
	if obj.TargetDescribe != nil {
		tgt = obj.TargetDescribe.FieldByName(field)
	}
	if src == nil {
		return tgt
	}
	if !src.IsLookup() && tgt != nil && tgt.IsLookup() {
		return tgt
	}
	return src
}

func (b *Builder) polymorphicSet(ctx context.Context, object string) map[string]bool {
	out := make(map[string]bool)
	for _, provider := range []endpoint.SchemaProvider{b.Source, b.Target} {
		fields, err := provider.PolymorphicFields(ctx, object)
		if err != nil {
			b.Logger.Debugf("Polymorphic field lookup failed for %s: %v", object, err)
			continue
		}
		for _, f := range fields {
			out[strings.ToLower(f)] = true
		}
	}
	return out
}

func findObject(objects []*models.MigrationObject, names []string) *models.MigrationObject {
	for _, name := range names {
		for _, obj := range objects {
			if strings.EqualFold(obj.Name, name) && !obj.Excluded {
				return obj
			}
		}
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !containsFold(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
