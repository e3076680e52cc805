// Package conform validates and repairs flat-file input so that every
// reference resolves before the pipeline uses it. Repair is two-phase per
// file (structural, then relational) with a final identifier pass over every
// processed file, all driven through the shared record cache.
package conform

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/datamove-io/datamove/internal/cache"
	"github.com/datamove-io/datamove/internal/endpoint"
	"github.com/datamove-io/datamove/pkg/models"
)

// Engine repairs hand-edited tabular input files against the declared field
// lists and lookup graph.
type Engine struct {
	Cache  *cache.Cache
	Store  *endpoint.FileStore
	Logger *logrus.Logger

	// AllowSynthesis permits fabricating identifiers and minimal parent
	// rows. Validate-only runs disable it to report without repairing.
	AllowSynthesis bool
	// DeferIDRepair postpones identifier synthesis to the final pass.
	DeferIDRepair bool

	issues []models.IssueRow
}

// NewEngine creates a conformance engine over the given run cache.
func NewEngine(c *cache.Cache, store *endpoint.FileStore, allowSynthesis bool, logger *logrus.Logger) *Engine {
	return &Engine{Cache: c, Store: store, AllowSynthesis: allowSynthesis, Logger: logger}
}

// ValidateAndRepair processes every object's input file and returns the
// accumulated issues. files maps object name to input path. Repaired (dirty)
// files are rewritten; clean files are left untouched. Issues are never
// individually fatal.
func (e *Engine) ValidateAndRepair(files map[string]string, objects []*models.MigrationObject) ([]models.IssueRow, error) {
	byName := make(map[string]*models.MigrationObject, len(objects))
	for _, o := range objects {
		byName[strings.ToLower(o.Name)] = o
	}

	// Structural pass loads every file first, so the relational pass can
	// see all parent rows regardless of declaration order.
	for _, obj := range objects {
		path, ok := files[obj.Name]
		if !ok {
			continue
		}
		if err := e.structuralPass(obj, path); err != nil {
			return nil, err
		}
	}

	for _, obj := range objects {
		path, ok := files[obj.Name]
		if !ok {
			continue
		}
		e.relationalPass(obj, path, files)
	}

	for _, obj := range objects {
		path, ok := files[obj.Name]
		if !ok {
			continue
		}
		e.finalPass(obj, path)
	}

	for _, obj := range objects {
		path, ok := files[obj.Name]
		if !ok || !e.Cache.IsDirty(path) {
			continue
		}
		entry := e.Cache.Entry(path)
		if err := e.Store.WriteAll(path, entry.Headers, entry.Rows()); err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", path, err)
		}
		e.Logger.Infof("Repaired %s (%d rows)", path, entry.Len())
	}

	return append([]models.IssueRow{}, e.issues...), nil
}

// structuralPass loads a file into the cache, trims and re-cases headers to
// the canonical field list, and synthesizes identifiers when the identifier
// column is absent.
func (e *Engine) structuralPass(obj *models.MigrationObject, path string) error {
	rawHeaders, rawRows, err := e.Store.ReadAll(path)
	if err != nil {
		return err
	}

	// Schema discovery may already have loaded this file; the raw read above
	// is authoritative, so stale rows must not merge with it.
	entry := e.Cache.Entry(path)
	entry.Reset()
	changed := false

	headers := make([]string, 0, len(rawHeaders))
	rename := make(map[string]string, len(rawHeaders))
	for _, h := range rawHeaders {
		canonical := e.canonicalColumn(obj, strings.TrimSpace(h))
		if canonical != h {
			changed = true
		}
		headers = append(headers, canonical)
		rename[h] = canonical
	}
	entry.Headers = headers

	hasID := containsFold(headers, models.IDField)
	if !hasID && !e.DeferIDRepair {
		entry.Headers = append([]string{models.IDField}, entry.Headers...)
		changed = true
		e.addIssue(models.IssueRow{
			Object: obj.Name,
			Field:  models.IDField,
			Cause:  models.CauseMissingColumn,
		})
	}

	for _, raw := range rawRows {
		row := make(models.Record, len(raw))
		for k, v := range raw {
			row[rename[k]] = v
		}
		id := row.StringValue(models.IDField)
		if id == "" && !e.DeferIDRepair {
			id = e.Cache.NextID()
			row[models.IDField] = id
			changed = true
		}
		if id == "" {
			// Deferred repair keys rows by a provisional identifier that
			// the final pass replaces.
			id = e.Cache.NextID()
		}
		if entry.Row(id) != nil {
			// A colliding identifier would silently replace the earlier row.
			regenerated := e.Cache.NextID()
			row[models.IDField] = regenerated
			changed = true
			e.addIssue(models.IssueRow{
				Object: obj.Name,
				Field:  models.IDField,
				Value:  id,
				Cause:  models.CauseDuplicateID,
			})
			id = regenerated
		}
		entry.Put(id, row)
	}

	if changed {
		e.Cache.MarkDirty(path)
	}
	return nil
}

// canonicalColumn maps a raw column name onto the declared field list or a
// lookup's external-reference companion column; unknown names pass through
// trimmed.
func (e *Engine) canonicalColumn(obj *models.MigrationObject, name string) string {
	for _, f := range obj.Fields {
		if strings.EqualFold(f, name) {
			return f
		}
	}
	for _, l := range obj.Lookups {
		if strings.EqualFold(l.RefColumn(), name) {
			return l.RefColumn()
		}
		// Legacy multi-column layouts keep their raw names; the relational
		// pass consumes and drops them.
	}
	return name
}

// relationalPass reconciles each writable lookup's identifier and
// external-reference columns against the known parent rows.
func (e *Engine) relationalPass(obj *models.MigrationObject, path string, files map[string]string) {
	if obj.IsReadOnly() {
		return
	}
	entry := e.Cache.Entry(path)

	for _, lookup := range obj.Lookups {
		if lookup.Parent == nil {
			continue
		}
		parentPath, ok := files[lookup.Parent.Name]
		if !ok {
			continue
		}
		parentEntry := e.Cache.Entry(parentPath)
		index := newParentIndex(lookup.Parent, parentEntry)

		for _, id := range entry.IDs() {
			row := entry.Row(id)
			if e.reconcileRow(obj, lookup, row, index, parentEntry, parentPath) {
				e.Cache.MarkDirty(path)
			}
		}
	}

	e.dropForeignColumns(obj, path, entry)
}

// reconcileRow applies the per-row repair rules for one lookup. Reports
// whether the row changed.
func (e *Engine) reconcileRow(obj *models.MigrationObject, lookup *models.LookupField, row models.Record, index *parentIndex, parentEntry *cache.Entry, parentPath string) bool {
	idCol := lookup.Name
	refCol := lookup.RefColumn()

	idVal := row.StringValue(idCol)
	refVal := row.StringValue(refCol)

	// Legacy layouts split a composite reference across one column per
	// external-identifier field.
	legacyChanged := false
	if refVal == "" {
		if legacy := e.legacyReference(lookup, row); legacy != "" {
			refVal = legacy
			row[refCol] = legacy
			legacyChanged = true
		}
	}

	switch {
	case idVal != "" && refVal != "":
		parentByRef := index.byRef[refVal]
		parentByID := index.byID[idVal]
		if parentByID != nil && index.refOf(parentByID) == refVal {
			return legacyChanged
		}
		if parentByRef != nil {
			row[idCol] = parentByRef.StringValue(models.IDField)
			return true
		}
		if parentByID != nil {
			row[refCol] = index.refOf(parentByID)
			return true
		}
		e.addIssue(models.IssueRow{
			Object: obj.Name, Field: idCol, Value: idVal,
			ParentObject: lookup.Parent.Name, ParentField: lookup.Parent.ExternalID, ParentValue: refVal,
			Cause: models.CauseRefConflict,
		})
		return false

	case idVal == "" && refVal != "":
		if parent := index.byRef[refVal]; parent != nil {
			row[idCol] = parent.StringValue(models.IDField)
			return true
		}
		if e.AllowSynthesis && lookup.Parent != obj {
			parentID := e.fabricateParent(lookup, refVal, parentEntry, parentPath, index)
			row[idCol] = parentID
			e.addIssue(models.IssueRow{
				Object: obj.Name, Field: idCol,
				ParentObject: lookup.Parent.Name, ParentField: lookup.Parent.ExternalID, ParentValue: refVal,
				Cause: models.CauseMissingParent,
			})
			return true
		}
		row[idCol] = ""
		e.addIssue(models.IssueRow{
			Object: obj.Name, Field: idCol,
			ParentObject: lookup.Parent.Name, ParentField: lookup.Parent.ExternalID, ParentValue: refVal,
			Cause: models.CauseMissingParent,
		})
		return false

	case idVal != "" && refVal == "":
		if parent := index.byID[idVal]; parent != nil {
			ref := index.refOf(parent)
			if ref != "" {
				row[refCol] = ref
				return true
			}
			return false
		}
		row[idCol] = ""
		e.addIssue(models.IssueRow{
			Object: obj.Name, Field: idCol, Value: idVal,
			ParentObject: lookup.Parent.Name, ParentField: lookup.Parent.ExternalID,
			Cause: models.CauseMissingParent,
		})
		return true

	default: // both absent
		if e.AllowSynthesis && lookup.Parent != obj {
			// A placeholder parent keeps the reference resolvable and the
			// repair idempotent.
			placeholder := e.Cache.NextID()
			parentRow := models.Record{models.IDField: placeholder}
			parentEntry.Put(placeholder, parentRow)
			index.add(lookup.Parent, parentRow)
			e.Cache.MarkDirty(parentPath)
			row[idCol] = placeholder
			e.addIssue(models.IssueRow{
				Object: obj.Name, Field: idCol,
				ParentObject: lookup.Parent.Name, ParentField: lookup.Parent.ExternalID,
				Cause: models.CauseMissingRef,
			})
			return true
		}
		return false
	}
}

// legacyReference reassembles a composite external reference from
// one-column-per-field legacy layouts, e.g. "AccountId.First" +
// "AccountId.Last".
func (e *Engine) legacyReference(lookup *models.LookupField, row models.Record) string {
	extFields := lookup.Parent.ExternalIDFields()
	if len(extFields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(extFields))
	any := false
	for _, f := range extFields {
		v := row.StringValue(lookup.Name + "." + f)
		if v != "" {
			any = true
		}
		parts = append(parts, v)
	}
	if !any {
		return ""
	}
	return strings.Join(parts, ";")
}

// fabricateParent creates a minimal parent row carrying the reference value.
func (e *Engine) fabricateParent(lookup *models.LookupField, refVal string, parentEntry *cache.Entry, parentPath string, index *parentIndex) string {
	id := e.Cache.NextID()
	parentRow := models.Record{models.IDField: id}
	extFields := lookup.Parent.ExternalIDFields()
	parts := strings.Split(refVal, ";")
	for i, f := range extFields {
		if i < len(parts) {
			parentRow[f] = parts[i]
		}
	}
	parentEntry.Put(id, parentRow)
	index.add(lookup.Parent, parentRow)
	e.Cache.MarkDirty(parentPath)
	e.Logger.Debugf("Fabricated %s row %s for reference %q", lookup.Parent.Name, id, refVal)
	return id
}

// dropForeignColumns removes columns that belong neither to the final field
// list nor to a lookup's reference column.
func (e *Engine) dropForeignColumns(obj *models.MigrationObject, path string, entry *cache.Entry) {
	keep := func(h string) bool {
		if containsFold(obj.Fields, h) || strings.EqualFold(h, models.IDField) {
			return true
		}
		for _, l := range obj.Lookups {
			if strings.EqualFold(l.RefColumn(), h) {
				return true
			}
		}
		return false
	}

	kept := entry.Headers[:0]
	dropped := false
	for _, h := range entry.Headers {
		if keep(h) {
			kept = append(kept, h)
		} else {
			dropped = true
			e.Logger.Debugf("Dropping column %s.%s: not in final field list", obj.Name, h)
		}
	}
	entry.Headers = kept
	if dropped {
		e.Cache.MarkDirty(path)
	}
}

// finalPass guarantees a canonical identifier column with unique values.
func (e *Engine) finalPass(obj *models.MigrationObject, path string) {
	entry := e.Cache.Entry(path)

	if !containsFold(entry.Headers, models.IDField) {
		entry.Headers = append([]string{models.IDField}, entry.Headers...)
		synthesized := false
		for _, id := range entry.IDs() {
			row := entry.Row(id)
			if row.StringValue(models.IDField) == "" {
				row[models.IDField] = e.Cache.NextID()
				entry.Rekey(id, row.StringValue(models.IDField))
				synthesized = true
			}
		}
		if synthesized {
			e.addIssue(models.IssueRow{
				Object: obj.Name,
				Field:  models.IDField,
				Cause:  models.CauseGeneratedIDs,
			})
		}
		e.Cache.MarkDirty(path)
	}

	seen := make(map[string]bool, entry.Len())
	for _, id := range entry.IDs() {
		row := entry.Row(id)
		value := row.StringValue(models.IDField)
		if value != "" && !seen[value] {
			seen[value] = true
			continue
		}
		regenerated := e.Cache.NextID()
		row[models.IDField] = regenerated
		entry.Rekey(id, regenerated)
		seen[regenerated] = true
		e.Cache.MarkDirty(path)
		e.addIssue(models.IssueRow{
			Object: obj.Name,
			Field:  models.IDField,
			Value:  value,
			Cause:  models.CauseDuplicateID,
		})
	}
}

func (e *Engine) addIssue(issue models.IssueRow) {
	e.issues = append(e.issues, issue)
}

// parentIndex resolves parent rows by identifier and by external-reference
// value.
type parentIndex struct {
	ext   []string
	byID  map[string]models.Record
	byRef map[string]models.Record
}

func newParentIndex(parent *models.MigrationObject, entry *cache.Entry) *parentIndex {
	idx := &parentIndex{
		ext:   parent.ExternalIDFields(),
		byID:  make(map[string]models.Record, entry.Len()),
		byRef: make(map[string]models.Record, entry.Len()),
	}
	for _, id := range entry.IDs() {
		idx.add(parent, entry.Row(id))
	}
	return idx
}

func (idx *parentIndex) add(parent *models.MigrationObject, row models.Record) {
	id := row.StringValue(models.IDField)
	if id != "" {
		idx.byID[id] = row
	}
	if ref := idx.refOf(row); ref != "" {
		idx.byRef[ref] = row
	}
}

// refOf renders a parent row's external-reference value, joining composite
// fields with semicolons.
func (idx *parentIndex) refOf(row models.Record) string {
	if len(idx.ext) == 0 {
		return ""
	}
	parts := make([]string, 0, len(idx.ext))
	any := false
	for _, f := range idx.ext {
		v := row.StringValue(f)
		if v != "" {
			any = true
		}
		parts = append(parts, v)
	}
	if !any {
		return ""
	}
	return strings.Join(parts, ";")
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
