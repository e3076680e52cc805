package endpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/datamove-io/datamove/internal/cache"
	"github.com/datamove-io/datamove/internal/query"
	"github.com/datamove-io/datamove/pkg/models"
)

// Directory is a flat-file endpoint: one delimited file per object in a
// directory, loaded whole into the record cache and flushed back on write.
type Directory struct {
	Path   string
	Store  *FileStore
	Cache  *cache.Cache
	Logger *logrus.Logger
}

// NewDirectory creates a file endpoint rooted at path.
func NewDirectory(path string, store *FileStore, c *cache.Cache, logger *logrus.Logger) *Directory {
	return &Directory{Path: path, Store: store, Cache: c, Logger: logger}
}

// Live reports that this endpoint is not a live data service.
func (d *Directory) Live() bool { return false }

// FilePath returns the file holding an object's records.
func (d *Directory) FilePath(object string) string {
	return filepath.Join(d.Path, object+".csv")
}

// Describe infers schema metadata from an object file's header row. Every
// column is a writable string field; lookup targets are not derivable from
// flat files and are left to the opposite endpoint's describe.
func (d *Directory) Describe(ctx context.Context, object string, isSource bool) (*models.ObjectDescribe, error) {
	entry, err := d.load(object)
	if err != nil {
		if err == ErrObjectNotFound && !isSource {
			// A missing target file is created on first write, so the object
			// stays fully writable.
			return &models.ObjectDescribe{
				Name:      object,
				Label:     object,
				Creatable: true,
				Updatable: true,
				Deletable: true,
				Fields:    make(map[string]*models.FieldDescribe),
			}, nil
		}
		return nil, err
	}
	desc := &models.ObjectDescribe{
		Name:      object,
		Label:     object,
		Creatable: true,
		Updatable: true,
		Deletable: true,
		Fields:    make(map[string]*models.FieldDescribe),
	}
	for _, h := range entry.Headers {
		desc.Fields[h] = &models.FieldDescribe{
			Name:      h,
			Label:     h,
			Type:      "string",
			Creatable: true,
			Updatable: true,
			NameField: h == "Name",
		}
	}
	return desc, nil
}

// PolymorphicFields is empty for flat files.
func (d *Directory) PolymorphicFields(ctx context.Context, object string) ([]string, error) {
	return nil, nil
}

// Query returns an object's cached rows. Flat files carry the whole record
// universe, so predicate halves are a no-op here; LIMIT is honored.
func (d *Directory) Query(ctx context.Context, q string, useBulk bool) ([]models.Record, error) {
	parsed, err := query.Parse(q)
	if err != nil {
		return nil, err
	}
	entry, err := d.load(parsed.Object)
	if err != nil {
		if err == ErrObjectNotFound {
			return nil, nil
		}
		return nil, err
	}
	rows := entry.Rows()
	if parsed.Limit > 0 && len(rows) > parsed.Limit {
		rows = rows[:parsed.Limit]
	}
	out := make([]models.Record, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out, nil
}

// ExecuteCrud applies record writes to the object's cache entry and flushes
// the file.
func (d *Directory) ExecuteCrud(ctx context.Context, object string, records []models.Record, op models.Operation) ([]models.CrudResult, error) {
	if len(records) == 0 {
		return nil, nil
	}
	path := d.FilePath(object)
	entry, err := d.load(object)
	if err != nil && err != ErrObjectNotFound {
		return nil, err
	}
	if entry == nil {
		entry = d.Cache.Entry(path)
	}

	results := make([]models.CrudResult, 0, len(records))
	for _, rec := range records {
		id := rec.StringValue(models.IDField)
		switch {
		case op.IsDelete():
			if id == "" {
				results = append(results, models.CrudResult{Error: "record has no identifier"})
				continue
			}
			entry.Remove(id)
			results = append(results, models.CrudResult{ID: id, Success: true})
		default:
			if id == "" {
				id = d.Cache.NextID()
				rec = rec.Clone()
				rec[models.IDField] = id
			}
			if existing := entry.Row(id); existing != nil {
				for k, v := range rec {
					existing[k] = v
				}
			} else {
				entry.Put(id, rec)
			}
			d.mergeHeaders(entry, rec)
			results = append(results, models.CrudResult{ID: id, Success: true})
		}
	}
	d.Cache.MarkDirty(path)

	if err := d.Store.WriteAll(path, entry.Headers, entry.Rows()); err != nil {
		return nil, fmt.Errorf("flush %s: %w", object, err)
	}
	return results, nil
}

func (d *Directory) mergeHeaders(entry *cache.Entry, rec models.Record) {
	have := make(map[string]bool, len(entry.Headers))
	for _, h := range entry.Headers {
		have[h] = true
	}
	if !have[models.IDField] {
		entry.Headers = append([]string{models.IDField}, entry.Headers...)
		have[models.IDField] = true
	}
	for k := range rec {
		if !have[k] {
			entry.Headers = append(entry.Headers, k)
			have[k] = true
		}
	}
}

// load reads an object file into the cache on first access.
func (d *Directory) load(object string) (*cache.Entry, error) {
	path := d.FilePath(object)
	if d.Cache.Has(path) {
		return d.Cache.Entry(path), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	headers, rows, err := d.Store.ReadAll(path)
	if err != nil {
		return nil, err
	}
	entry := d.Cache.Entry(path)
	entry.Headers = headers
	for _, row := range rows {
		id := row.StringValue(models.IDField)
		if id == "" {
			id = d.Cache.NextID()
			row[models.IDField] = id
		}
		entry.Put(id, row)
	}
	return entry, nil
}
