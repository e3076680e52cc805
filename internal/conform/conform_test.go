package conform

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/datamove-io/datamove/internal/cache"
	"github.com/datamove-io/datamove/internal/endpoint"
	"github.com/datamove-io/datamove/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// accountContact builds the standard two-object fixture: Contact looking up
// Account, external identifiers on Name.
func accountContact() (*models.MigrationObject, *models.MigrationObject) {
	account := &models.MigrationObject{
		Name:       "Account",
		Operation:  models.Upsert,
		Fields:     []string{"Id", "Name"},
		ExternalID: "Name",
	}
	contact := &models.MigrationObject{
		Name:       "Contact",
		Operation:  models.Upsert,
		Fields:     []string{"Id", "Name", "AccountId"},
		ExternalID: "Name",
	}
	contact.Lookups = []*models.LookupField{{
		Name:   "AccountId",
		Object: contact,
		Parent: account,
	}}
	return account, contact
}

func writeFile(t *testing.T, store *endpoint.FileStore, path string, headers []string, rows []models.Record) {
	t.Helper()
	if err := store.WriteAll(path, headers, rows); err != nil {
		t.Fatalf("write fixture %s: %v", path, err)
	}
}

func runEngine(t *testing.T, store *endpoint.FileStore, files map[string]string, objects []*models.MigrationObject) []models.IssueRow {
	t.Helper()
	engine := NewEngine(cache.New(), store, true, testLogger())
	issues, err := engine.ValidateAndRepair(files, objects)
	if err != nil {
		t.Fatalf("ValidateAndRepair: %v", err)
	}
	return issues
}

func issuesByCause(issues []models.IssueRow, cause string) []models.IssueRow {
	var out []models.IssueRow
	for _, i := range issues {
		if i.Cause == cause {
			out = append(out, i)
		}
	}
	return out
}

func TestMissingIDColumnSynthesized(t *testing.T) {
	dir := t.TempDir()
	store := endpoint.NewFileStore(',', false)
	account, _ := accountContact()

	path := filepath.Join(dir, "Account.csv")
	writeFile(t, store, path, []string{"Name"}, []models.Record{
		{"Name": "Acme"},
		{"Name": "Globex"},
	})

	issues := runEngine(t, store, map[string]string{"Account": path}, []*models.MigrationObject{account})

	missing := issuesByCause(issues, models.CauseMissingColumn)
	if len(missing) != 1 {
		t.Fatalf("got %d missing-column issues, want exactly 1", len(missing))
	}

	headers, rows, err := store.ReadAll(path)
	if err != nil {
		t.Fatalf("read repaired file: %v", err)
	}
	if headers[0] != models.IDField {
		t.Errorf("repaired headers = %v, want Id first", headers)
	}
	for _, row := range rows {
		if row.StringValue(models.IDField) == "" {
			t.Errorf("row %v has no synthesized identifier", row)
		}
	}
}

func TestReferenceResolvesIdentifier(t *testing.T) {
	dir := t.TempDir()
	store := endpoint.NewFileStore(',', false)
	account, contact := accountContact()

	accountPath := filepath.Join(dir, "Account.csv")
	contactPath := filepath.Join(dir, "Contact.csv")
	writeFile(t, store, accountPath, []string{"Id", "Name"}, []models.Record{
		{"Id": "A1", "Name": "Acme"},
	})
	writeFile(t, store, contactPath, []string{"Id", "Name", "AccountId", "AccountId.$ref"}, []models.Record{
		{"Id": "C1", "Name": "Jo", "AccountId": "", "AccountId.$ref": "Acme"},
	})

	files := map[string]string{"Account": accountPath, "Contact": contactPath}
	issues := runEngine(t, store, files, []*models.MigrationObject{account, contact})
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %+v", issues)
	}

	_, rows, err := store.ReadAll(contactPath)
	if err != nil {
		t.Fatalf("read repaired file: %v", err)
	}
	if got := rows[0].StringValue("AccountId"); got != "A1" {
		t.Errorf("AccountId = %q, want A1", got)
	}
}

func TestReferenceWinsOverStaleIdentifier(t *testing.T) {
	dir := t.TempDir()
	store := endpoint.NewFileStore(',', false)
	account, contact := accountContact()

	accountPath := filepath.Join(dir, "Account.csv")
	contactPath := filepath.Join(dir, "Contact.csv")
	writeFile(t, store, accountPath, []string{"Id", "Name"}, []models.Record{
		{"Id": "A1", "Name": "Acme"},
		{"Id": "A2", "Name": "Globex"},
	})
	// Identifier points at A2 but the reference names Acme; the reference wins.
	writeFile(t, store, contactPath, []string{"Id", "Name", "AccountId", "AccountId.$ref"}, []models.Record{
		{"Id": "C1", "Name": "Jo", "AccountId": "A2", "AccountId.$ref": "Acme"},
	})

	files := map[string]string{"Account": accountPath, "Contact": contactPath}
	runEngine(t, store, files, []*models.MigrationObject{account, contact})

	_, rows, err := store.ReadAll(contactPath)
	if err != nil {
		t.Fatalf("read repaired file: %v", err)
	}
	if got := rows[0].StringValue("AccountId"); got != "A1" {
		t.Errorf("AccountId = %q, want A1", got)
	}
}

func TestMissingParentFabricated(t *testing.T) {
	dir := t.TempDir()
	store := endpoint.NewFileStore(',', false)
	account, contact := accountContact()

	accountPath := filepath.Join(dir, "Account.csv")
	contactPath := filepath.Join(dir, "Contact.csv")
	writeFile(t, store, accountPath, []string{"Id", "Name"}, nil)
	writeFile(t, store, contactPath, []string{"Id", "Name", "AccountId", "AccountId.$ref"}, []models.Record{
		{"Id": "C1", "Name": "Jo", "AccountId": "", "AccountId.$ref": "Ghost"},
	})

	files := map[string]string{"Account": accountPath, "Contact": contactPath}
	issues := runEngine(t, store, files, []*models.MigrationObject{account, contact})

	if got := issuesByCause(issues, models.CauseMissingParent); len(got) != 1 {
		t.Fatalf("got %d missing-parent issues, want 1: %+v", len(got), issues)
	}

	_, accountRows, err := store.ReadAll(accountPath)
	if err != nil {
		t.Fatalf("read parent file: %v", err)
	}
	if len(accountRows) != 1 {
		t.Fatalf("parent rows = %d, want 1 fabricated", len(accountRows))
	}
	if got := accountRows[0].StringValue("Name"); got != "Ghost" {
		t.Errorf("fabricated parent Name = %q, want Ghost", got)
	}

	_, contactRows, _ := store.ReadAll(contactPath)
	if got := contactRows[0].StringValue("AccountId"); got != accountRows[0].StringValue(models.IDField) {
		t.Errorf("AccountId = %q, not linked to fabricated parent %q",
			got, accountRows[0].StringValue(models.IDField))
	}
}

func TestBothAbsentGetsPlaceholderParent(t *testing.T) {
	dir := t.TempDir()
	store := endpoint.NewFileStore(',', false)
	account, contact := accountContact()

	accountPath := filepath.Join(dir, "Account.csv")
	contactPath := filepath.Join(dir, "Contact.csv")
	writeFile(t, store, accountPath, []string{"Id", "Name"}, nil)
	writeFile(t, store, contactPath, []string{"Id", "Name", "AccountId", "AccountId.$ref"}, []models.Record{
		{"Id": "C1", "Name": "Jo", "AccountId": "", "AccountId.$ref": ""},
	})

	files := map[string]string{"Account": accountPath, "Contact": contactPath}
	issues := runEngine(t, store, files, []*models.MigrationObject{account, contact})

	if got := issuesByCause(issues, models.CauseMissingRef); len(got) != 1 {
		t.Fatalf("got %d missing-reference issues, want 1: %+v", len(got), issues)
	}
	_, contactRows, _ := store.ReadAll(contactPath)
	if contactRows[0].StringValue("AccountId") == "" {
		t.Error("AccountId still empty, placeholder parent not linked")
	}
}

func TestRepairIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := endpoint.NewFileStore(',', false)
	account, contact := accountContact()

	accountPath := filepath.Join(dir, "Account.csv")
	contactPath := filepath.Join(dir, "Contact.csv")
	writeFile(t, store, accountPath, []string{"Id", "Name"}, nil)
	writeFile(t, store, contactPath, []string{"Name", "AccountId", "AccountId.$ref"}, []models.Record{
		{"Name": "Jo", "AccountId": "", "AccountId.$ref": "Ghost"},
		{"Name": "Sam", "AccountId": "", "AccountId.$ref": ""},
	})

	files := map[string]string{"Account": accountPath, "Contact": contactPath}
	first := runEngine(t, store, files, []*models.MigrationObject{account, contact})
	if len(first) == 0 {
		t.Fatal("first run reported no issues, fixture is broken")
	}

	second := runEngine(t, store, files, []*models.MigrationObject{account, contact})
	if len(second) != 0 {
		t.Errorf("second run reported %d issues, want 0: %+v", len(second), second)
	}
}

func TestPreloadedCacheEntryReplacedNotMerged(t *testing.T) {
	dir := t.TempDir()
	store := endpoint.NewFileStore(',', false)
	account, _ := accountContact()

	path := filepath.Join(dir, "Account.csv")
	writeFile(t, store, path, []string{"Id", "Name"}, []models.Record{
		{"Id": "A1", "Name": "Acme"},
		{"Id": "A2", "Name": "Globex"},
	})

	// Schema discovery loads object files into the shared cache before the
	// conformance engine runs over the same paths.
	c := cache.New()
	preloaded := c.Entry(path)
	preloaded.Headers = []string{"Id", "Name"}
	preloaded.Put("A1", models.Record{"Id": "A1", "Name": "Acme"})
	preloaded.Put("A2", models.Record{"Id": "A2", "Name": "Globex"})

	engine := NewEngine(c, store, true, testLogger())
	issues, err := engine.ValidateAndRepair(map[string]string{"Account": path}, []*models.MigrationObject{account})
	if err != nil {
		t.Fatalf("ValidateAndRepair: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("clean preloaded input reported issues: %+v", issues)
	}
	if got := c.Entry(path).Len(); got != 2 {
		t.Errorf("cached rows = %d, want 2 (preloaded copies must not double)", got)
	}
	if c.IsDirty(path) {
		t.Error("clean file marked dirty")
	}
	_, rows, err := store.ReadAll(path)
	if err != nil {
		t.Fatalf("read source file: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("source rows = %d after repair, want 2 untouched", len(rows))
	}
}

func TestDuplicateIdentifiersRegenerated(t *testing.T) {
	dir := t.TempDir()
	store := endpoint.NewFileStore(',', false)
	account, _ := accountContact()

	path := filepath.Join(dir, "Account.csv")
	writeFile(t, store, path, []string{"Id", "Name"}, []models.Record{
		{"Id": "A1", "Name": "Acme"},
		{"Id": "A1", "Name": "Globex"},
	})

	issues := runEngine(t, store, map[string]string{"Account": path}, []*models.MigrationObject{account})
	if got := issuesByCause(issues, models.CauseDuplicateID); len(got) != 1 {
		t.Fatalf("got %d duplicate-identifier issues, want 1: %+v", len(got), issues)
	}

	_, rows, err := store.ReadAll(path)
	if err != nil {
		t.Fatalf("read repaired file: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want both rows preserved", len(rows))
	}
	seen := make(map[string]bool)
	for _, row := range rows {
		id := row.StringValue(models.IDField)
		if id == "" || seen[id] {
			t.Fatalf("identifier %q empty or duplicated in %v", id, rows)
		}
		seen[id] = true
	}
}

func TestLegacyMultiColumnReference(t *testing.T) {
	dir := t.TempDir()
	store := endpoint.NewFileStore(',', false)

	account := &models.MigrationObject{
		Name:       "Account",
		Operation:  models.Upsert,
		Fields:     []string{"Id", "First", "Last"},
		ExternalID: "First;Last",
	}
	contact := &models.MigrationObject{
		Name:       "Contact",
		Operation:  models.Upsert,
		Fields:     []string{"Id", "Name", "AccountId"},
		ExternalID: "Name",
	}
	contact.Lookups = []*models.LookupField{{Name: "AccountId", Object: contact, Parent: account}}

	accountPath := filepath.Join(dir, "Account.csv")
	contactPath := filepath.Join(dir, "Contact.csv")
	writeFile(t, store, accountPath, []string{"Id", "First", "Last"}, []models.Record{
		{"Id": "A1", "First": "Jane", "Last": "Doe"},
	})
	writeFile(t, store, contactPath, []string{"Id", "Name", "AccountId", "AccountId.First", "AccountId.Last"}, []models.Record{
		{"Id": "C1", "Name": "Jo", "AccountId": "", "AccountId.First": "Jane", "AccountId.Last": "Doe"},
	})

	files := map[string]string{"Account": accountPath, "Contact": contactPath}
	issues := runEngine(t, store, files, []*models.MigrationObject{account, contact})
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %+v", issues)
	}

	headers, rows, err := store.ReadAll(contactPath)
	if err != nil {
		t.Fatalf("read repaired file: %v", err)
	}
	if got := rows[0].StringValue("AccountId"); got != "A1" {
		t.Errorf("AccountId = %q, want A1", got)
	}
	for _, h := range headers {
		if strings.HasPrefix(h, "AccountId.") && h != "AccountId.$ref" {
			t.Errorf("legacy column %s survived the repair", h)
		}
	}
}

func TestValidateOnlyDoesNotFabricate(t *testing.T) {
	dir := t.TempDir()
	store := endpoint.NewFileStore(',', false)
	account, contact := accountContact()

	accountPath := filepath.Join(dir, "Account.csv")
	contactPath := filepath.Join(dir, "Contact.csv")
	writeFile(t, store, accountPath, []string{"Id", "Name"}, nil)
	writeFile(t, store, contactPath, []string{"Id", "Name", "AccountId", "AccountId.$ref"}, []models.Record{
		{"Id": "C1", "Name": "Jo", "AccountId": "", "AccountId.$ref": "Ghost"},
	})

	engine := NewEngine(cache.New(), store, false, testLogger())
	files := map[string]string{"Account": accountPath, "Contact": contactPath}
	issues, err := engine.ValidateAndRepair(files, []*models.MigrationObject{account, contact})
	if err != nil {
		t.Fatalf("ValidateAndRepair: %v", err)
	}
	if got := issuesByCause(issues, models.CauseMissingParent); len(got) != 1 {
		t.Fatalf("got %d missing-parent issues, want 1", len(got))
	}

	_, accountRows, _ := store.ReadAll(accountPath)
	if len(accountRows) != 0 {
		t.Errorf("validation fabricated %d parent rows", len(accountRows))
	}
}
