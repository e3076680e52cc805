// Package config loads the declarative TOML migration plan.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/datamove-io/datamove/internal/utils"
	"github.com/datamove-io/datamove/pkg/models"
)

// EndpointConfig identifies one side of the migration: a live data service
// ("org", backed by a SQL DSN) or a flat-file directory.
type EndpointConfig struct {
	Type string `toml:"type"` // "org" or "file"
	DSN  string `toml:"dsn"`
	Path string `toml:"path"`
}

// CSVConfig controls delimited-file reading and writing.
type CSVConfig struct {
	Delimiter string `toml:"delimiter"`
	BOM       bool   `toml:"bom"`
}

// ReportConfig names the persisted report artifacts.
type ReportConfig struct {
	Issues         string `toml:"issues"`
	MissingParents string `toml:"missing_parents"`
}

// ObjectConfig is one declared migration object.
type ObjectConfig struct {
	Query            string            `toml:"query"`
	Operation        string            `toml:"operation"`
	ExternalID       string            `toml:"external_id"`
	TargetName       string            `toml:"target_name"`
	DeleteOldData    bool              `toml:"delete_old_data"`
	UseSourceFile    bool              `toml:"use_source_file"`
	SkipComparison   bool              `toml:"skip_comparison"`
	ProcessAllSource bool              `toml:"process_all_source"`
	Master           bool              `toml:"master"`
	ExcludedFields   []string          `toml:"excluded_fields"`
	FieldMapping     map[string]string `toml:"field_mapping"`
	Mock             []models.MockRule `toml:"mock"`
}

// Plan is the full migration plan.
type Plan struct {
	Source EndpointConfig `toml:"source"`
	Target EndpointConfig `toml:"target"`

	KeepDeclaredOrder      bool `toml:"keep_declared_order"`
	ValidateOnly           bool `toml:"validate_only"`
	Simulate               bool `toml:"simulate"`
	PromptOnIssues         bool `toml:"prompt_on_issues"`
	PromptOnMissingParents bool `toml:"prompt_on_missing_parents"`
	UseBulkQuery           bool `toml:"use_bulk_query"`

	CSV     CSVConfig      `toml:"csv"`
	Reports ReportConfig   `toml:"reports"`
	Objects []ObjectConfig `toml:"object"`

	// planDir is the directory containing the TOML file, used to resolve
	// relative paths.
	planDir string
}

// Load reads a TOML migration plan and applies defaults and validation.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	plan := Plan{
		PromptOnIssues:         true,
		PromptOnMissingParents: true,
		CSV:                    CSVConfig{Delimiter: ","},
		Reports: ReportConfig{
			Issues:         "CSVIssuesReport.csv",
			MissingParents: "MissingParentRecordsReport.csv",
		},
	}
	md, err := toml.Decode(string(data), &plan)
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown plan keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve plan path: %w", err)
	}
	plan.planDir = filepath.Dir(absPath)

	if err := plan.validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Plan) validate() error {
	for side, ep := range map[string]*EndpointConfig{"source": &p.Source, "target": &p.Target} {
		switch ep.Type {
		case "org":
			if ep.DSN == "" {
				ep.DSN = utils.GetEnvOrDefault("DATAMOVE_"+strings.ToUpper(side)+"_DSN", "")
			}
			if ep.DSN == "" {
				return fmt.Errorf("%s.dsn is required for org endpoints", side)
			}
		case "file":
			if ep.Path == "" {
				return fmt.Errorf("%s.path is required for file endpoints", side)
			}
		default:
			return fmt.Errorf("%s.type must be one of: org, file", side)
		}
	}

	if len(p.CSV.Delimiter) != 1 {
		return fmt.Errorf("csv.delimiter must be a single character")
	}

	if len(p.Objects) == 0 {
		return fmt.Errorf("at least one [[object]] is required")
	}
	for i, obj := range p.Objects {
		if strings.TrimSpace(obj.Query) == "" {
			return fmt.Errorf("object %d: query is required", i+1)
		}
		if obj.Operation == "" {
			return fmt.Errorf("object %d: operation is required", i+1)
		}
		if _, err := models.ParseOperation(obj.Operation); err != nil {
			return fmt.Errorf("object %d: %w", i+1, err)
		}
	}
	return nil
}

// ResolvePath resolves a path relative to the plan file directory.
func (p *Plan) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.planDir, path)
}

// MigrationObjects converts the declared object list into the shared model.
func (p *Plan) MigrationObjects() ([]*models.MigrationObject, error) {
	out := make([]*models.MigrationObject, 0, len(p.Objects))
	for i, obj := range p.Objects {
		op, err := models.ParseOperation(obj.Operation)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", i+1, err)
		}
		out = append(out, &models.MigrationObject{
			Query:            obj.Query,
			Operation:        op,
			ExternalID:       obj.ExternalID,
			TargetName:       obj.TargetName,
			DeleteOldData:    obj.DeleteOldData,
			UseSourceFile:    obj.UseSourceFile,
			SkipComparison:   obj.SkipComparison,
			ProcessAllSource: obj.ProcessAllSource,
			Master:           obj.Master,
			ExcludedFields:   obj.ExcludedFields,
			FieldMapping:     obj.FieldMapping,
			MockFields:       obj.Mock,
		})
	}
	return out, nil
}
