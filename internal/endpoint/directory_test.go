package endpoint

import (
	"context"
	"testing"

	"github.com/datamove-io/datamove/internal/cache"
	"github.com/datamove-io/datamove/pkg/models"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	store := NewFileStore(',', false)
	return NewDirectory(t.TempDir(), store, cache.New(), testLogger())
}

func seed(t *testing.T, d *Directory, object string, headers []string, rows []models.Record) {
	t.Helper()
	if err := d.Store.WriteAll(d.FilePath(object), headers, rows); err != nil {
		t.Fatalf("seed %s: %v", object, err)
	}
}

func TestDirectoryDescribe(t *testing.T) {
	d := testDirectory(t)
	seed(t, d, "Account", []string{"Id", "Name", "City"}, nil)

	desc, err := d.Describe(context.Background(), "Account", true)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(desc.Fields) != 3 {
		t.Errorf("fields = %d, want 3", len(desc.Fields))
	}
	name := desc.FieldByName("Name")
	if name == nil || !name.NameField {
		t.Errorf("Name column not marked as name field: %+v", name)
	}
}

func TestDirectoryDescribeMissingObject(t *testing.T) {
	d := testDirectory(t)
	if _, err := d.Describe(context.Background(), "Phantom", true); err != ErrObjectNotFound {
		t.Errorf("err = %v, want ErrObjectNotFound", err)
	}
}

func TestDirectoryQuery(t *testing.T) {
	d := testDirectory(t)
	seed(t, d, "Account", []string{"Id", "Name"}, []models.Record{
		{"Id": "A1", "Name": "Acme"},
		{"Id": "A2", "Name": "Globex"},
	})

	rows, err := d.Query(context.Background(), "SELECT Id, Name FROM Account", false)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	// Returned rows are clones; mutating them must not corrupt the cache.
	rows[0]["Name"] = "mutated"
	again, _ := d.Query(context.Background(), "SELECT Id, Name FROM Account", false)
	if again[0].StringValue("Name") == "mutated" {
		t.Error("query result aliases the cache")
	}
}

func TestDirectoryQueryHonorsLimit(t *testing.T) {
	d := testDirectory(t)
	seed(t, d, "Account", []string{"Id", "Name"}, []models.Record{
		{"Id": "A1", "Name": "Acme"},
		{"Id": "A2", "Name": "Globex"},
		{"Id": "A3", "Name": "Initech"},
	})

	rows, err := d.Query(context.Background(), "SELECT Id, Name FROM Account LIMIT 2", false)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("rows = %d, want limit of 2", len(rows))
	}
}

func TestDirectoryQueryMissingFile(t *testing.T) {
	d := testDirectory(t)
	rows, err := d.Query(context.Background(), "SELECT Id FROM Phantom", false)
	if err != nil || rows != nil {
		t.Errorf("Query(missing) = (%v, %v), want empty success", rows, err)
	}
}

func TestDirectoryInsertAssignsIdentifier(t *testing.T) {
	d := testDirectory(t)
	seed(t, d, "Account", []string{"Id", "Name"}, nil)

	results, err := d.ExecuteCrud(context.Background(), "Account",
		[]models.Record{{"Name": "Acme"}}, models.Insert)
	if err != nil {
		t.Fatalf("ExecuteCrud: %v", err)
	}
	if !results[0].Success || results[0].ID == "" {
		t.Fatalf("results = %+v, want synthesized identifier", results)
	}

	_, rows, err := d.Store.ReadAll(d.FilePath("Account"))
	if err != nil {
		t.Fatalf("read flushed file: %v", err)
	}
	if len(rows) != 1 || rows[0].StringValue("Id") != results[0].ID {
		t.Errorf("flushed rows = %v", rows)
	}
}

func TestDirectoryUpdateMerges(t *testing.T) {
	d := testDirectory(t)
	seed(t, d, "Account", []string{"Id", "Name", "City"}, []models.Record{
		{"Id": "A1", "Name": "Acme", "City": "Berlin"},
	})

	_, err := d.ExecuteCrud(context.Background(), "Account",
		[]models.Record{{"Id": "A1", "Name": "Acme GmbH"}}, models.Update)
	if err != nil {
		t.Fatalf("ExecuteCrud: %v", err)
	}

	_, rows, _ := d.Store.ReadAll(d.FilePath("Account"))
	if rows[0].StringValue("Name") != "Acme GmbH" {
		t.Errorf("Name = %q, update not applied", rows[0].StringValue("Name"))
	}
	if rows[0].StringValue("City") != "Berlin" {
		t.Errorf("City = %q, untouched field lost", rows[0].StringValue("City"))
	}
}

func TestDirectoryDelete(t *testing.T) {
	d := testDirectory(t)
	seed(t, d, "Account", []string{"Id", "Name"}, []models.Record{
		{"Id": "A1", "Name": "Acme"},
		{"Id": "A2", "Name": "Globex"},
	})

	results, err := d.ExecuteCrud(context.Background(), "Account",
		[]models.Record{{"Id": "A1"}}, models.Delete)
	if err != nil {
		t.Fatalf("ExecuteCrud: %v", err)
	}
	if !results[0].Success {
		t.Fatalf("results = %+v", results)
	}

	_, rows, _ := d.Store.ReadAll(d.FilePath("Account"))
	if len(rows) != 1 || rows[0].StringValue("Id") != "A2" {
		t.Errorf("rows after delete = %v", rows)
	}
}

func TestDirectoryNotLive(t *testing.T) {
	if testDirectory(t).Live() {
		t.Error("file endpoint must not report live")
	}
}
