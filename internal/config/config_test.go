package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/datamove-io/datamove/pkg/models"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datamove.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

const validPlan = `
[source]
type = "file"
path = "data"

[target]
type = "org"
dsn = "user:pass@tcp(localhost:3306)/crm"

[[object]]
query = "SELECT Id, Name FROM Account"
operation = "Upsert"
external_id = "Name"

[[object]]
query = "SELECT * FROM Contact"
operation = "Insert"

[[object.mock]]
field = "Email"
pattern = "email"
`

func TestLoadValidPlan(t *testing.T) {
	plan, err := Load(writePlan(t, validPlan))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if plan.Source.Type != "file" || plan.Target.Type != "org" {
		t.Errorf("endpoint types = %q/%q", plan.Source.Type, plan.Target.Type)
	}
	if len(plan.Objects) != 2 {
		t.Fatalf("objects = %d, want 2", len(plan.Objects))
	}
	if plan.Objects[0].ExternalID != "Name" {
		t.Errorf("external_id = %q, want Name", plan.Objects[0].ExternalID)
	}
	if len(plan.Objects[1].Mock) != 1 || plan.Objects[1].Mock[0].Pattern != "email" {
		t.Errorf("mock rules = %+v", plan.Objects[1].Mock)
	}
}

func TestLoadDefaults(t *testing.T) {
	plan, err := Load(writePlan(t, validPlan))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if plan.CSV.Delimiter != "," {
		t.Errorf("default delimiter = %q, want comma", plan.CSV.Delimiter)
	}
	if plan.Reports.Issues != "CSVIssuesReport.csv" {
		t.Errorf("default issues report = %q", plan.Reports.Issues)
	}
	if plan.Reports.MissingParents != "MissingParentRecordsReport.csv" {
		t.Errorf("default missing-parents report = %q", plan.Reports.MissingParents)
	}
	if !plan.PromptOnIssues || !plan.PromptOnMissingParents {
		t.Error("prompts must default to on")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	bad := validPlan + "\nmystery_key = true\n"
	_, err := Load(writePlan(t, bad))
	if err == nil || !strings.Contains(err.Error(), "mystery_key") {
		t.Errorf("err = %v, want unknown-key rejection naming mystery_key", err)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing dsn",
			mutate:  func(p string) string { return strings.Replace(p, `dsn = "user:pass@tcp(localhost:3306)/crm"`, "", 1) },
			wantErr: "target.dsn",
		},
		{
			name:    "missing path",
			mutate:  func(p string) string { return strings.Replace(p, `path = "data"`, "", 1) },
			wantErr: "source.path",
		},
		{
			name:    "bad endpoint type",
			mutate:  func(p string) string { return strings.Replace(p, `type = "file"`, `type = "ftp"`, 1) },
			wantErr: "source.type",
		},
		{
			name:    "bad operation",
			mutate:  func(p string) string { return strings.Replace(p, `operation = "Upsert"`, `operation = "Teleport"`, 1) },
			wantErr: "unknown operation",
		},
		{
			name:    "missing query",
			mutate:  func(p string) string { return strings.Replace(p, `query = "SELECT Id, Name FROM Account"`, `query = ""`, 1) },
			wantErr: "query is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writePlan(t, tt.mutate(validPlan)))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDSNFallsBackToEnvironment(t *testing.T) {
	plan := strings.Replace(validPlan, `dsn = "user:pass@tcp(localhost:3306)/crm"`, "", 1)
	t.Setenv("DATAMOVE_TARGET_DSN", "env:pass@tcp(db:3306)/crm")

	loaded, err := Load(writePlan(t, plan))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Target.DSN != "env:pass@tcp(db:3306)/crm" {
		t.Errorf("DSN = %q, want environment fallback", loaded.Target.DSN)
	}
}

func TestResolvePath(t *testing.T) {
	path := writePlan(t, validPlan)
	plan, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := plan.ResolvePath("data")
	if got != filepath.Join(filepath.Dir(path), "data") {
		t.Errorf("ResolvePath(data) = %q", got)
	}
	if plan.ResolvePath("/abs/data") != "/abs/data" {
		t.Error("absolute paths must pass through")
	}
}

func TestMigrationObjects(t *testing.T) {
	plan, err := Load(writePlan(t, validPlan))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	objects, err := plan.MigrationObjects()
	if err != nil {
		t.Fatalf("MigrationObjects: %v", err)
	}
	if objects[0].Operation != models.Upsert {
		t.Errorf("operation = %v, want Upsert", objects[0].Operation)
	}
	if objects[1].Operation != models.Insert {
		t.Errorf("operation = %v, want Insert", objects[1].Operation)
	}
	if len(objects[1].MockFields) != 1 {
		t.Errorf("mock fields not carried over: %+v", objects[1].MockFields)
	}
}
