package models

import (
	"fmt"
	"strings"
)

// IDField is the canonical record identifier column.
const IDField = "Id"

// RecordTypeObject is the structural metadata object that must always be
// processed ahead of the objects referencing it.
const RecordTypeObject = "RecordType"

// Record is a single row of data, keyed by field name. File-sourced records
// hold string values; service-sourced records may hold driver-native types.
type Record map[string]interface{}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StringValue returns the value of a field rendered as a string,
// with nil rendered as the empty string.
func (r Record) StringValue(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Operation is the declared write mode for a migration object.
type Operation int

const (
	UnknownOperation Operation = iota
	Insert
	Update
	Upsert
	Delete
	ReadOnly
	DeleteFromSource
	DeleteByHierarchy
	HardDelete
)

var operationNames = map[Operation]string{
	Insert:            "Insert",
	Update:            "Update",
	Upsert:            "Upsert",
	Delete:            "Delete",
	ReadOnly:          "Readonly",
	DeleteFromSource:  "DeleteSource",
	DeleteByHierarchy: "DeleteHierarchy",
	HardDelete:        "HardDelete",
}

// ParseOperation parses a declared operation name (case-insensitive).
func ParseOperation(s string) (Operation, error) {
	for op, name := range operationNames {
		if strings.EqualFold(s, name) {
			return op, nil
		}
	}
	// Accepted aliases seen in hand-written migration plans.
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "readonly", "read-only", "read_only":
		return ReadOnly, nil
	case "deletebyhierarchy", "delete_by_hierarchy":
		return DeleteByHierarchy, nil
	case "deletefromsource", "delete_from_source":
		return DeleteFromSource, nil
	}
	return UnknownOperation, fmt.Errorf("unknown operation %q", s)
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return "Unknown"
}

// IsWrite reports whether the operation creates or updates target records.
func (op Operation) IsWrite() bool {
	return op == Insert || op == Update || op == Upsert
}

// IsDelete reports whether the operation removes target records.
func (op Operation) IsDelete() bool {
	return op == Delete || op == HardDelete || op == DeleteFromSource || op == DeleteByHierarchy
}

// MockRule configures fake-data substitution for one field before writing.
type MockRule struct {
	Field   string `toml:"field"`
	Pattern string `toml:"pattern"`
}

// MigrationObject is one declared (or auto-added) object in the migration plan.
type MigrationObject struct {
	Name       string
	TargetName string // mapped object name on the target, defaults to Name
	Query      string

	Fields []string // parsed SELECT list, canonical casing
	Where  string
	Limit  int

	Operation  Operation
	ExternalID string // simple field or semicolon-joined composite

	DeleteOldData    bool
	UseSourceFile    bool
	SkipComparison   bool
	ProcessAllSource bool
	Master           bool

	ExcludedFields []string
	FieldMapping   map[string]string
	MockFields     []MockRule

	Lookups []*LookupField

	// AutoAdded marks objects synthesized during setup because a declared
	// object references them through a lookup.
	AutoAdded bool
	// Excluded marks objects dropped during setup; excluded objects never
	// reach a task list.
	Excluded bool

	SourceDescribe *ObjectDescribe
	TargetDescribe *ObjectDescribe
}

// EffectiveTargetName returns the mapped target object name.
func (o *MigrationObject) EffectiveTargetName() string {
	if o.TargetName != "" {
		return o.TargetName
	}
	return o.Name
}

// IsReadOnly reports whether the object only supplies reference data.
func (o *MigrationObject) IsReadOnly() bool {
	return o.Operation == ReadOnly
}

// IsRecordType reports whether the object carries structural record-type
// metadata and therefore always orders first.
func (o *MigrationObject) IsRecordType() bool {
	return o.Name == RecordTypeObject
}

// ExternalIDFields splits a possibly-composite external id declaration.
func (o *MigrationObject) ExternalIDFields() []string {
	if o.ExternalID == "" {
		return nil
	}
	parts := strings.Split(o.ExternalID, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HasLimitedQuery reports whether the declared query restricts the record
// universe (WHERE or LIMIT), which forces the object to the front of the
// query order.
func (o *MigrationObject) HasLimitedQuery() bool {
	return o.Where != "" || o.Limit > 0
}

// DeleteEligible reports whether the object participates in the delete order.
func (o *MigrationObject) DeleteEligible() bool {
	return o.Operation.IsDelete() || o.DeleteOldData
}

// LookupByName returns the lookup field with the given name, or nil.
func (o *MigrationObject) LookupByName(field string) *LookupField {
	for _, l := range o.Lookups {
		if strings.EqualFold(l.Name, field) {
			return l
		}
	}
	return nil
}

// DependsOn reports whether the object has a resolved lookup to parent.
func (o *MigrationObject) DependsOn(parent *MigrationObject) bool {
	if parent == nil {
		return false
	}
	for _, l := range o.Lookups {
		if l.Parent == parent {
			return true
		}
	}
	return false
}

// RefColumnSuffix marks external-reference companion columns in flat files.
const RefColumnSuffix = ".$ref"

// LookupField is a reference from one object's field to a parent object.
type LookupField struct {
	Name   string
	Object *MigrationObject // owner

	// ReferencedNames lists the possible target object types; more than one
	// entry means the field is polymorphic.
	ReferencedNames []string

	// Parent is the resolved parent object, nil until the graph is linked.
	Parent *MigrationObject

	// IsMasterDetail marks a true ownership edge that forces strict
	// creation/deletion ordering.
	IsMasterDetail bool

	// PolymorphicUnresolved marks polymorphic lookups whose declared targets
	// are absent from this run. They contribute no ordering edge.
	PolymorphicUnresolved bool
}

// Polymorphic reports whether the lookup may target more than one object type.
func (l *LookupField) Polymorphic() bool {
	return len(l.ReferencedNames) > 1
}

// RefColumn is the flat-file column carrying the parent external-reference
// value for this lookup, e.g. "AccountId" pairs with "AccountId.$ref".
func (l *LookupField) RefColumn() string {
	return l.Name + RefColumnSuffix
}

// FieldDescribe is one field's schema metadata from an endpoint.
type FieldDescribe struct {
	Name        string
	Label       string
	Type        string
	Creatable   bool
	Updatable   bool
	Custom      bool
	NameField   bool
	Autonumber  bool
	ReferenceTo []string
	// CascadeDelete marks the reference as a master/detail ownership edge.
	CascadeDelete bool
}

// IsLookup reports whether the field references another object.
func (f *FieldDescribe) IsLookup() bool {
	return len(f.ReferenceTo) > 0
}

// ObjectDescribe is one object's schema metadata from an endpoint.
type ObjectDescribe struct {
	Name      string
	Label     string
	Creatable bool
	Updatable bool
	Deletable bool
	Fields    map[string]*FieldDescribe
}

// FieldByName returns field metadata by case-insensitive name, or nil.
func (d *ObjectDescribe) FieldByName(name string) *FieldDescribe {
	if f, ok := d.Fields[name]; ok {
		return f
	}
	for n, f := range d.Fields {
		if strings.EqualFold(n, name) {
			return f
		}
	}
	return nil
}

// NameField returns the describe-designated name field, defaulting to "Name".
func (d *ObjectDescribe) NameField() string {
	for _, f := range d.Fields {
		if f.NameField {
			return f.Name
		}
	}
	return "Name"
}

// Issue causes reported by the conformance engine.
const (
	CauseMissingColumn = "missing column"
	CauseMissingParent = "missing parent record"
	CauseMissingRef    = "missing external reference"
	CauseRefConflict   = "id and external reference conflict"
	CauseGeneratedIDs  = "identifier column synthesized"
	CauseDuplicateID   = "duplicate identifier regenerated"
)

// IssueRow is one reported file anomaly. Rows are immutable after creation
// and accumulated per run.
type IssueRow struct {
	Object       string
	Field        string
	Value        string
	ParentObject string
	ParentField  string
	ParentValue  string
	Cause        string
}

// MissingParentRow is one unresolved reference discovered at write time.
type MissingParentRow struct {
	Object   string
	Field    string
	Value    string
	RecordID string
}

// CrudResult is the outcome of one record write on an endpoint.
type CrudResult struct {
	ID      string
	Success bool
	Error   string
}

// PassSummary is the per-pass CRUD outcome for one object.
type PassSummary struct {
	Pass     string
	Inserted int
	Updated  int
	Deleted  int
}

// ObjectSummary aggregates pass summaries for one object.
type ObjectSummary struct {
	Object string
	Passes []PassSummary
}

// Totals sums all passes for the object.
func (s *ObjectSummary) Totals() PassSummary {
	t := PassSummary{Pass: "total"}
	for _, p := range s.Passes {
		t.Inserted += p.Inserted
		t.Updated += p.Updated
		t.Deleted += p.Deleted
	}
	return t
}

// RunSummary is the structured result of one migration run.
type RunSummary struct {
	Objects []*ObjectSummary
}

// Object returns (creating if needed) the summary bucket for an object.
func (s *RunSummary) Object(name string) *ObjectSummary {
	for _, o := range s.Objects {
		if o.Object == name {
			return o
		}
	}
	o := &ObjectSummary{Object: name}
	s.Objects = append(s.Objects, o)
	return o
}

// Add records one pass outcome for an object.
func (s *RunSummary) Add(object, pass string, inserted, updated, deleted int) {
	o := s.Object(object)
	o.Passes = append(o.Passes, PassSummary{Pass: pass, Inserted: inserted, Updated: updated, Deleted: deleted})
}
