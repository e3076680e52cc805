// Package reconcile drives retrieval and write execution across the ordered
// task lists. Because lookup and ownership graphs may contain cycles, no
// single ordering can resolve every reference in one sweep; retrieval and
// writes run as a fixed sequence of directional passes that resolve
// references incrementally and report what remains unresolved.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/datamove-io/datamove/internal/endpoint"
	"github.com/datamove-io/datamove/internal/hooks"
	"github.com/datamove-io/datamove/internal/mock"
	"github.com/datamove-io/datamove/internal/query"
	"github.com/datamove-io/datamove/pkg/models"
)

// ErrAborted is returned when the user declines to continue after missing
// parent references are detected.
var ErrAborted = errors.New("run aborted: missing parent references not confirmed")

// SideData is one side's record state for a task.
type SideData struct {
	Records   map[string]models.Record
	Order     []string
	ExtIDToID map[string]string
	Count     int
}

func newSideData() *SideData {
	return &SideData{
		Records:   make(map[string]models.Record),
		ExtIDToID: make(map[string]string),
	}
}

// Merge folds queried rows into the side, keyed by identifier, and refreshes
// the external-identifier map. Returns the number of rows merged.
func (s *SideData) Merge(extFields []string, rows []models.Record) int {
	for _, row := range rows {
		id := row.StringValue(models.IDField)
		if id == "" {
			continue
		}
		if existing, ok := s.Records[id]; ok {
			for k, v := range row {
				existing[k] = v
			}
		} else {
			s.Records[id] = row
			s.Order = append(s.Order, id)
		}
		if ext := extValue(s.Records[id], extFields); ext != "" {
			s.ExtIDToID[ext] = id
		}
	}
	s.Count = len(s.Records)
	return len(rows)
}

// extValue joins a record's external-identifier fields with semicolons.
func extValue(row models.Record, extFields []string) string {
	if len(extFields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(extFields))
	any := false
	for _, f := range extFields {
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

// Task is one migration object plus its per-side record state. Tasks are
// created once after the dependency graph is finalized and live for the
// whole execute phase.
type Task struct {
	Object *models.MigrationObject
	Query  *query.Parsed
	Source *SideData
	Target *SideData
}

// passState is one state of the fixed retrieval state machine.
type passState int

const (
	passInitial passState = iota
	passBackward1
	passBackward2
	passForwardRev1
	passForwardRev2
	passTarget
)

// passSpec binds one state to its directional behavior: backward activates
// the cross-referencing predicate half, reversed toggles which side of a
// self-referencing relationship resolves first, targetSide queries the
// destination.
type passSpec struct {
	state      passState
	label      string
	backward   bool
	reversed   bool
	targetSide bool
}

// retrievalSequence is the fixed pass order. The pass count is a deliberate,
// tunable constant, not a convergence property.
var retrievalSequence = []passSpec{
	{passInitial, "initial", false, false, false},
	{passBackward1, "backward-1", true, false, false},
	{passBackward2, "backward-2", true, false, false},
	{passForwardRev1, "forward-reversed-1", false, true, false},
	{passForwardRev2, "forward-reversed-2", false, true, false},
	{passTarget, "target", false, false, true},
}

// Engine executes the retrieval and write passes over ordered tasks.
type Engine struct {
	Source endpoint.CrudClient
	Target endpoint.CrudClient
	Hooks  hooks.Runner
	Mocker *mock.Mocker
	Logger *logrus.Logger

	UseBulk  bool
	Simulate bool

	// Confirm is consulted once per run when missing parent references are
	// found; nil means always continue.
	Confirm        func(msg string) bool
	confirmDecided bool
	continueRun    bool

	Tasks          []*Task
	taskByObject   map[string]*Task
	MissingParents []models.MissingParentRow
	Summary        *models.RunSummary
}

// NewEngine creates a reconciliation engine over the two endpoints.
func NewEngine(source, target endpoint.CrudClient, hookRunner hooks.Runner, mocker *mock.Mocker, logger *logrus.Logger) *Engine {
	return &Engine{
		Source:       source,
		Target:       target,
		Hooks:        hookRunner,
		Mocker:       mocker,
		Logger:       logger,
		taskByObject: make(map[string]*Task),
		Summary:      &models.RunSummary{},
	}
}

// Prepare creates one task per object in query order.
func (e *Engine) Prepare(queryOrder []*models.MigrationObject) error {
	for _, obj := range queryOrder {
		parsed, err := query.Parse(obj.Query)
		if err != nil {
			return fmt.Errorf("object %q: %w", obj.Name, err)
		}
		parsed.Fields = obj.Fields
		parsed.All = false
		task := &Task{
			Object: obj,
			Query:  parsed,
			Source: newSideData(),
			Target: newSideData(),
		}
		e.Tasks = append(e.Tasks, task)
		e.taskByObject[strings.ToLower(obj.Name)] = task
	}
	return nil
}

// TaskFor returns the task for an object name, or nil.
func (e *Engine) TaskFor(object string) *Task {
	return e.taskByObject[strings.ToLower(object)]
}

// Retrieve runs the fixed retrieval sequence and reports, per task, whether
// any source records arrived.
func (e *Engine) Retrieve(ctx context.Context) (map[string]bool, error) {
	for _, pass := range retrievalSequence {
		total := 0
		for _, task := range e.Tasks {
			q := e.passQuery(task, pass)
			if q == "" {
				continue
			}
			client := e.Source
			side := task.Source
			if pass.targetSide {
				client = e.Target
				side = task.Target
			}
			rows, err := client.Query(ctx, q, e.UseBulk)
			if err != nil {
				return nil, fmt.Errorf("pass %s, object %s: %w", pass.label, task.Object.Name, err)
			}
			total += side.Merge(task.Object.ExternalIDFields(), rows)
		}
		if total == 0 {
			e.Logger.Debugf("Retrieval pass %s returned no rows", pass.label)
		} else {
			e.Logger.Infof("Retrieval pass %s merged %d rows", pass.label, total)
		}
	}

	hasRecords := make(map[string]bool, len(e.Tasks))
	for _, task := range e.Tasks {
		hasRecords[task.Object.Name] = task.Source.Count > 0
		if _, err := e.Hooks.RunEvent(ctx, hooks.AfterRetrieve, task.Object.Name); err != nil {
			return nil, fmt.Errorf("after-retrieve hook for %s: %w", task.Object.Name, err)
		}
	}
	return hasRecords, nil
}

// passQuery builds the query text for one task in one pass, or "" when the
// pass's predicate half does not apply to the task.
func (e *Engine) passQuery(task *Task, pass passSpec) string {
	base := *task.Query
	if pass.targetSide {
		base.Object = task.Object.EffectiveTargetName()
		return base.String()
	}

	switch {
	case pass.backward:
		// Cross-referencing half: restrict to rows pointing at parents
		// already fetched.
		var preds []string
		for _, l := range task.Object.Lookups {
			if l.Parent == nil || l.Parent == task.Object {
				continue
			}
			parentTask := e.TaskFor(l.Parent.Name)
			if parentTask == nil || len(parentTask.Source.Order) == 0 {
				continue
			}
			preds = append(preds, inPredicate(l.Name, parentTask.Source.Order))
		}
		if len(preds) == 0 {
			return ""
		}
		base.Where = andWhere(base.Where, "("+strings.Join(preds, " OR ")+")")
		base.Limit = 0
		return base.String()

	case pass.reversed:
		// Self-referencing half with resolution direction toggled:
		// restrict to rows referencing already-known rows of the same
		// object.
		var preds []string
		for _, l := range task.Object.Lookups {
			if l.Parent != task.Object {
				continue
			}
			if len(task.Source.Order) == 0 {
				continue
			}
			preds = append(preds, inPredicate(l.Name, task.Source.Order))
		}
		if len(preds) == 0 {
			return ""
		}
		base.Where = andWhere(base.Where, "("+strings.Join(preds, " OR ")+")")
		base.Limit = 0
		return base.String()

	default: // initial forward pass: the declared query as-is
		return base.String()
	}
}

func inPredicate(field string, ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "'" + strings.ReplaceAll(id, "'", "''") + "'"
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(quoted, ", "))
}

func andWhere(base, extra string) string {
	if base == "" {
		return extra
	}
	return "(" + base + ") AND " + extra
}

// Execute runs the write phase: deletes in delete order, one forward write
// pass in update order, then (live targets only) two backward passes closing
// self- and mutual-reference gaps, then the hierarchical delete pass.
func (e *Engine) Execute(ctx context.Context, updateOrder, deleteOrder []*models.MigrationObject) (*models.RunSummary, error) {
	for _, obj := range deleteOrder {
		if obj.Operation == models.DeleteByHierarchy {
			continue // handled by the dedicated hierarchy pass
		}
		if err := e.deleteTask(ctx, obj, "delete"); err != nil {
			return nil, err
		}
	}

	for _, obj := range updateOrder {
		if err := e.forwardWrite(ctx, obj); err != nil {
			return nil, err
		}
	}

	if e.Target.Live() {
		for _, label := range []string{"backward-1", "backward-2"} {
			for _, task := range e.Tasks {
				if err := e.backwardWrite(ctx, task, label); err != nil {
					return nil, err
				}
			}
		}
	}

	needHierarchy := false
	for _, obj := range deleteOrder {
		if obj.Operation == models.DeleteByHierarchy {
			needHierarchy = true
		}
	}
	if needHierarchy {
		for _, obj := range deleteOrder {
			if obj.Operation != models.DeleteByHierarchy {
				continue
			}
			if err := e.deleteTask(ctx, obj, "delete-hierarchy"); err != nil {
				return nil, err
			}
		}
	}

	return e.Summary, nil
}

// deleteTask removes the task's matching records. Deletes run against the
// target, except DeleteFromSource which removes the migrated rows from the
// source endpoint instead.
func (e *Engine) deleteTask(ctx context.Context, obj *models.MigrationObject, label string) error {
	task := e.TaskFor(obj.Name)
	if task == nil {
		return nil
	}
	client, side, object := e.Target, task.Target, obj.EffectiveTargetName()
	if obj.Operation == models.DeleteFromSource {
		client, side, object = e.Source, task.Source, obj.Name
	}
	if len(side.Order) == 0 {
		return nil
	}
	records := make([]models.Record, 0, len(side.Order))
	for _, id := range side.Order {
		records = append(records, models.Record{models.IDField: id})
	}

	if e.Simulate {
		e.Logger.Infof("[simulate] would delete %d %s records", len(records), obj.Name)
		e.Summary.Add(obj.Name, label, 0, 0, len(records))
		return nil
	}

	op := models.Delete
	if obj.Operation == models.HardDelete {
		op = models.HardDelete
	}
	results, err := client.ExecuteCrud(ctx, object, records, op)
	if err != nil {
		return fmt.Errorf("delete %s: %w", obj.Name, err)
	}
	deleted := 0
	for _, r := range results {
		if r.Success {
			deleted++
			delete(side.Records, r.ID)
		} else {
			e.Logger.Warningf("Delete failed for %s %s: %s", obj.Name, r.ID, r.Error)
		}
	}
	side.Order = nil
	for id := range side.Records {
		side.Order = append(side.Order, id)
	}
	side.Count = len(side.Records)
	e.Summary.Add(obj.Name, label, 0, 0, deleted)
	e.Logger.Infof("Deleted %d/%d %s records", deleted, len(records), obj.Name)
	return nil
}

// forwardWrite inserts and updates one task's records from source to target.
func (e *Engine) forwardWrite(ctx context.Context, obj *models.MigrationObject) error {
	task := e.TaskFor(obj.Name)
	if task == nil || len(task.Source.Order) == 0 {
		return nil
	}
	if _, err := e.Hooks.RunEvent(ctx, hooks.BeforeObjectWrite, obj.Name); err != nil {
		return fmt.Errorf("before-write hook for %s: %w", obj.Name, err)
	}

	var inserts, updates []models.Record
	var insertExts []string
	var missing []models.MissingParentRow

	extFields := obj.ExternalIDFields()
	for _, id := range task.Source.Order {
		source := task.Source.Records[id]
		prepared, rowMissing := e.prepareRecord(task, source)
		missing = append(missing, rowMissing...)

		ext := extValue(source, extFields)
		targetID, exists := task.Target.ExtIDToID[ext]
		switch {
		case exists && (obj.Operation == models.Update || obj.Operation == models.Upsert):
			if !obj.SkipComparison && recordsEqual(prepared, task.Target.Records[targetID]) {
				continue
			}
			prepared[models.IDField] = targetID
			updates = append(updates, prepared)
		case !exists && (obj.Operation == models.Insert || obj.Operation == models.Upsert):
			delete(prepared, models.IDField)
			inserts = append(inserts, prepared)
			insertExts = append(insertExts, ext)
		}
	}

	if len(missing) > 0 {
		e.MissingParents = append(e.MissingParents, missing...)
		if err := e.checkMissingParentPolicy(obj.Name, len(missing)); err != nil {
			return err
		}
	}

	inserted, updated := 0, 0
	if e.Simulate {
		inserted, updated = len(inserts), len(updates)
		e.Logger.Infof("[simulate] would insert %d and update %d %s records", inserted, updated, obj.Name)
	} else {
		if len(inserts) > 0 {
			results, err := e.Target.ExecuteCrud(ctx, obj.EffectiveTargetName(), inserts, models.Insert)
			if err != nil {
				return fmt.Errorf("insert %s: %w", obj.Name, err)
			}
			for i, r := range results {
				if !r.Success {
					e.Logger.Warningf("Insert failed for %s: %s", obj.Name, r.Error)
					continue
				}
				inserted++
				rec := inserts[i]
				rec[models.IDField] = r.ID
				task.Target.Merge(extFields, []models.Record{rec})
				if i < len(insertExts) && insertExts[i] != "" {
					task.Target.ExtIDToID[insertExts[i]] = r.ID
				}
			}
		}
		if len(updates) > 0 {
			results, err := e.Target.ExecuteCrud(ctx, obj.EffectiveTargetName(), updates, models.Update)
			if err != nil {
				return fmt.Errorf("update %s: %w", obj.Name, err)
			}
			for i, r := range results {
				if !r.Success {
					e.Logger.Warningf("Update failed for %s %s: %s", obj.Name, r.ID, r.Error)
					continue
				}
				updated++
				task.Target.Merge(extFields, []models.Record{updates[i]})
			}
		}
	}

	e.Summary.Add(obj.Name, "forward", inserted, updated, 0)
	if _, err := e.Hooks.RunEvent(ctx, hooks.AfterObjectWrite, obj.Name); err != nil {
		return fmt.Errorf("after-write hook for %s: %w", obj.Name, err)
	}
	return nil
}

// prepareRecord maps one source record into its target form: field mapping
// applied, excluded fields dropped, lookups re-keyed from source ids to
// target ids, mock rules applied last.
func (e *Engine) prepareRecord(task *Task, source models.Record) (models.Record, []models.MissingParentRow) {
	obj := task.Object
	out := make(models.Record, len(obj.Fields))
	var missing []models.MissingParentRow

	for _, field := range obj.Fields {
		if containsFold(obj.ExcludedFields, field) {
			continue
		}
		lookup := obj.LookupByName(field)
		if lookup != nil && lookup.Parent != nil {
			value := source.StringValue(field)
			if value == "" {
				continue
			}
			targetParentID, ok := e.resolveParent(lookup, value)
			if !ok {
				missing = append(missing, models.MissingParentRow{
					Object:   obj.Name,
					Field:    field,
					Value:    value,
					RecordID: source.StringValue(models.IDField),
				})
				continue
			}
			out[e.targetField(obj, field)] = targetParentID
			continue
		}
		if v, ok := source[field]; ok {
			out[e.targetField(obj, field)] = v
		}
	}

	out[models.IDField] = source.StringValue(models.IDField)
	if e.Mocker != nil && len(obj.MockFields) > 0 {
		e.Mocker.Apply(out, obj.MockFields)
	}
	return out, missing
}

// resolveParent maps a source-side parent identifier to its target-side
// identifier through the parent task's external-identifier maps.
func (e *Engine) resolveParent(lookup *models.LookupField, sourceParentID string) (string, bool) {
	parentTask := e.TaskFor(lookup.Parent.Name)
	if parentTask == nil {
		return "", false
	}
	parentRecord, ok := parentTask.Source.Records[sourceParentID]
	if !ok {
		return "", false
	}
	ext := extValue(parentRecord, lookup.Parent.ExternalIDFields())
	if ext == "" {
		return "", false
	}
	targetID, ok := parentTask.Target.ExtIDToID[ext]
	return targetID, ok
}

func (e *Engine) targetField(obj *models.MigrationObject, field string) string {
	if mapped, ok := obj.FieldMapping[field]; ok {
		return mapped
	}
	return field
}

// backwardWrite closes lookup gaps the forward pass could not resolve:
// records already written whose parent references have since become
// resolvable get a targeted update.
func (e *Engine) backwardWrite(ctx context.Context, task *Task, label string) error {
	obj := task.Object
	if len(obj.Lookups) == 0 || len(task.Source.Order) == 0 {
		return nil
	}

	extFields := obj.ExternalIDFields()
	var updates []models.Record
	for _, id := range task.Source.Order {
		source := task.Source.Records[id]
		ext := extValue(source, extFields)
		targetID, ok := task.Target.ExtIDToID[ext]
		if !ok {
			continue
		}
		patch := models.Record{}
		for _, lookup := range obj.Lookups {
			if lookup.Parent == nil {
				continue
			}
			value := source.StringValue(lookup.Name)
			if value == "" {
				continue
			}
			current := ""
			if rec, ok := task.Target.Records[targetID]; ok {
				current = rec.StringValue(e.targetField(obj, lookup.Name))
			}
			if current != "" {
				continue
			}
			if parentID, ok := e.resolveParent(lookup, value); ok {
				patch[e.targetField(obj, lookup.Name)] = parentID
			}
		}
		if len(patch) > 0 {
			patch[models.IDField] = targetID
			updates = append(updates, patch)
		}
	}
	if len(updates) == 0 {
		return nil
	}

	updated := 0
	if e.Simulate {
		updated = len(updates)
		e.Logger.Infof("[simulate] would close %d lookup gaps on %s", updated, obj.Name)
	} else {
		results, err := e.Target.ExecuteCrud(ctx, obj.EffectiveTargetName(), updates, models.Update)
		if err != nil {
			return fmt.Errorf("backward update %s: %w", obj.Name, err)
		}
		for i, r := range results {
			if !r.Success {
				e.Logger.Warningf("Backward update failed for %s %s: %s", obj.Name, r.ID, r.Error)
				continue
			}
			updated++
			task.Target.Merge(extFields, []models.Record{updates[i]})
		}
	}
	e.Summary.Add(obj.Name, label, 0, updated, 0)
	return nil
}

// checkMissingParentPolicy applies the abort-or-continue decision once per
// run; the first occurrence decides for all subsequent occurrences.
func (e *Engine) checkMissingParentPolicy(object string, count int) error {
	e.Logger.Warningf("%d record(s) of %s have unresolved parent references", count, object)
	if e.confirmDecided {
		if !e.continueRun {
			return ErrAborted
		}
		return nil
	}
	e.confirmDecided = true
	if e.Confirm == nil {
		e.continueRun = true
		return nil
	}
	e.continueRun = e.Confirm(fmt.Sprintf(
		"%d record(s) of %s reference parents that could not be resolved. Continue and keep appending to the missing-parent report?",
		count, object))
	if !e.continueRun {
		return ErrAborted
	}
	return nil
}

func recordsEqual(prepared, target models.Record) bool {
	if target == nil {
		return false
	}
	for k, v := range prepared {
		if k == models.IDField {
			continue
		}
		if fmt.Sprintf("%v", v) != target.StringValue(k) {
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
