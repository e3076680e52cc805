// Package pipeline sequences a full migration run: endpoint setup, dependency
// graph construction, flat-file conformance, task ordering, multi-pass
// retrieval and writes, and report persistence.
package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/datamove-io/datamove/internal/cache"
	"github.com/datamove-io/datamove/internal/config"
	"github.com/datamove-io/datamove/internal/conform"
	"github.com/datamove-io/datamove/internal/endpoint"
	"github.com/datamove-io/datamove/internal/graph"
	"github.com/datamove-io/datamove/internal/hooks"
	"github.com/datamove-io/datamove/internal/mock"
	"github.com/datamove-io/datamove/internal/ordering"
	"github.com/datamove-io/datamove/internal/reconcile"
	"github.com/datamove-io/datamove/internal/report"
	"github.com/datamove-io/datamove/pkg/models"
)

// Pipeline is one configured migration run.
type Pipeline struct {
	Plan   *config.Plan
	Logger *logrus.Logger
	Hooks  hooks.Runner

	// Confirm resolves interactive abort-or-continue decisions; nil means
	// always continue.
	Confirm func(msg string) bool

	cache  *cache.Cache
	store  *endpoint.FileStore
	source endpoint.Endpoint
	target endpoint.Endpoint

	closers []func()
}

// New creates a pipeline for a validated plan.
func New(plan *config.Plan, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		Plan:   plan,
		Logger: logger,
		Hooks:  hooks.Noop{},
	}
}

// Run executes the full migration. Validate-only plans stop after the
// conformance phase; simulate plans run every phase but skip record writes.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.close()

	p.cache = cache.New()
	p.store = endpoint.NewFileStore(rune(p.Plan.CSV.Delimiter[0]), p.Plan.CSV.BOM)

	var err error
	if p.source, err = p.buildEndpoint(ctx, "source", p.Plan.Source); err != nil {
		return err
	}
	if p.target, err = p.buildEndpoint(ctx, "target", p.Plan.Target); err != nil {
		return err
	}

	declared, err := p.Plan.MigrationObjects()
	if err != nil {
		return err
	}
	objects, err := graph.NewBuilder(p.source, p.target, p.Logger).Build(ctx, declared)
	if err != nil {
		return fmt.Errorf("build dependency graph: %w", err)
	}
	p.Logger.Infof("Dependency graph resolved: %d object(s) in run", len(objects))

	proceed, err := p.conformPhase(objects)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	order := ordering.BuildOrder(objects, p.Plan.KeepDeclaredOrder, p.Logger)
	p.logOrder(order)

	engine := reconcile.NewEngine(p.source, p.target, p.Hooks, mock.NewMocker(p.Logger), p.Logger)
	engine.UseBulk = p.Plan.UseBulkQuery
	engine.Simulate = p.Plan.Simulate
	if p.Plan.PromptOnMissingParents {
		engine.Confirm = p.Confirm
	}
	if err := engine.Prepare(order.Query); err != nil {
		return err
	}

	if _, err := p.Hooks.RunEvent(ctx, hooks.BeforeAll, ""); err != nil {
		return fmt.Errorf("before-all hook: %w", err)
	}

	hasRecords, err := engine.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}
	for _, task := range engine.Tasks {
		if !hasRecords[task.Object.Name] && task.Object.Operation.IsWrite() {
			p.Logger.Warningf("No source records for %s", task.Object.Name)
		}
	}

	summary, err := engine.Execute(ctx, order.Update, order.Delete)
	if err != nil {
		p.writeMissingParents(engine.MissingParents)
		return fmt.Errorf("execute: %w", err)
	}

	if _, err := p.Hooks.RunEvent(ctx, hooks.AfterAll, ""); err != nil {
		return fmt.Errorf("after-all hook: %w", err)
	}

	p.writeMissingParents(engine.MissingParents)
	fmt.Print(report.RenderSummary(summary))
	return nil
}

// buildEndpoint constructs one side from its configuration. Database
// endpoints connect eagerly so misconfiguration fails before any work.
func (p *Pipeline) buildEndpoint(ctx context.Context, side string, cfg config.EndpointConfig) (endpoint.Endpoint, error) {
	switch cfg.Type {
	case "org":
		db, err := endpoint.NewDatabase(cfg.DSN, p.Logger)
		if err != nil {
			return nil, fmt.Errorf("%s endpoint: %w", side, err)
		}
		if err := db.Connect(ctx); err != nil {
			return nil, fmt.Errorf("%s endpoint: %w", side, err)
		}
		p.closers = append(p.closers, db.Close)
		return db, nil
	case "file":
		path := p.Plan.ResolvePath(cfg.Path)
		return endpoint.NewDirectory(path, p.store, p.cache, p.Logger), nil
	}
	return nil, fmt.Errorf("%s endpoint: unsupported type %q", side, cfg.Type)
}

// conformPhase validates and repairs flat-file input when the source is a
// directory. Returns false when the run should stop here (validate-only, or
// the user declined to continue past reported issues).
func (p *Pipeline) conformPhase(objects []*models.MigrationObject) (bool, error) {
	dir, ok := p.source.(*endpoint.Directory)
	if !ok {
		if p.Plan.ValidateOnly {
			p.Logger.Info("Validate-only run with a live source: nothing to validate")
			return false, nil
		}
		return true, nil
	}

	files := make(map[string]string, len(objects))
	for _, obj := range objects {
		path := dir.FilePath(obj.Name)
		if p.store.Exists(path) {
			files[obj.Name] = path
		}
	}

	engine := conform.NewEngine(p.cache, p.store, !p.Plan.ValidateOnly, p.Logger)
	issues, err := engine.ValidateAndRepair(files, objects)
	if err != nil {
		return false, fmt.Errorf("conformance: %w", err)
	}

	if len(issues) > 0 {
		path := p.Plan.ResolvePath(p.Plan.Reports.Issues)
		if err := report.WriteIssues(p.store, path, issues); err != nil {
			return false, fmt.Errorf("write issues report: %w", err)
		}
		p.Logger.Warningf("%d conformance issue(s) written to %s", len(issues), path)
	} else {
		p.Logger.Info("Conformance: no issues found")
	}

	if p.Plan.ValidateOnly {
		p.Logger.Info("Validate-only run complete")
		return false, nil
	}
	if len(issues) > 0 && p.Plan.PromptOnIssues && p.Confirm != nil {
		if !p.Confirm(fmt.Sprintf("%d issue(s) were found and repaired where possible. Continue with the migration?", len(issues))) {
			p.Logger.Info("Run stopped after conformance at user request")
			return false, nil
		}
	}
	return true, nil
}

func (p *Pipeline) writeMissingParents(rows []models.MissingParentRow) {
	if len(rows) == 0 {
		return
	}
	path := p.Plan.ResolvePath(p.Plan.Reports.MissingParents)
	if err := report.WriteMissingParents(p.store, path, rows); err != nil {
		p.Logger.Errorf("Write missing-parent report: %v", err)
		return
	}
	p.Logger.Warningf("%d missing parent reference(s) written to %s", len(rows), path)
}

func (p *Pipeline) logOrder(order ordering.Order) {
	p.Logger.Infof("Query order:  %s", names(order.Query))
	p.Logger.Infof("Update order: %s", names(order.Update))
	if len(order.Delete) > 0 {
		p.Logger.Infof("Delete order: %s", names(order.Delete))
	}
}

func names(objects []*models.MigrationObject) string {
	out := ""
	for i, o := range objects {
		if i > 0 {
			out += ", "
		}
		out += o.Name
	}
	return out
}

func (p *Pipeline) close() {
	for _, fn := range p.closers {
		fn()
	}
}
