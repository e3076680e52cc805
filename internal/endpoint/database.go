package endpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/datamove-io/datamove/internal/utils"
	"github.com/datamove-io/datamove/pkg/models"
)

// Database is a live data service endpoint backed by a SQL database. Object
// schema comes from INFORMATION_SCHEMA; lookup targets come from foreign key
// metadata, with CASCADE delete rules treated as master/detail ownership.
type Database struct {
	DSN      string
	Database string
	DB       *sql.DB
	Logger   *logrus.Logger
}

// NewDatabase creates a database endpoint for the given DSN.
func NewDatabase(dsn string, logger *logrus.Logger) (*Database, error) {
	name, err := databaseNameFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &Database{DSN: dsn, Database: name, Logger: logger}, nil
}

// Connect establishes and verifies the connection. Pool size is tunable via
// DATAMOVE_DB_MAX_CONNECTIONS.
func (d *Database) Connect(ctx context.Context) error {
	db, err := sql.Open("mysql", d.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	maxConns := utils.GetEnvInt("DATAMOVE_DB_MAX_CONNECTIONS", 10)
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	d.DB = db
	d.Logger.Infof("Connected to database: %s", d.Database)
	return nil
}

// Close releases the connection.
func (d *Database) Close() {
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Logger.Errorf("Error closing database connection: %v", err)
		}
	}
}

// Live reports that this endpoint is a live data service.
func (d *Database) Live() bool { return true }

// Describe returns schema metadata for one object from INFORMATION_SCHEMA.
func (d *Database) Describe(ctx context.Context, object string, isSource bool) (*models.ObjectDescribe, error) {
	columnsQuery := `
		SELECT column_name, data_type, is_nullable, column_key, extra
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position
	`
	rows, err := d.queryMaps(ctx, columnsQuery, d.Database, object)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", object, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("describe %s: %w", object, ErrObjectNotFound)
	}

	desc := &models.ObjectDescribe{
		Name:      object,
		Label:     object,
		Creatable: true,
		Updatable: true,
		Deletable: true,
		Fields:    make(map[string]*models.FieldDescribe),
	}

	for _, row := range rows {
		name := row.StringValue("column_name")
		extra := strings.ToLower(row.StringValue("extra"))
		auto := strings.Contains(extra, "auto_increment")
		generated := strings.Contains(extra, "generated")
		f := &models.FieldDescribe{
			Name:       name,
			Label:      name,
			Type:       row.StringValue("data_type"),
			Creatable:  !auto && !generated,
			Updatable:  !auto && !generated,
			Autonumber: auto,
			NameField:  strings.EqualFold(name, "Name"),
		}
		desc.Fields[name] = f
	}

	fkQuery := `
		SELECT
			kcu.column_name,
			kcu.referenced_table_name,
			rc.delete_rule
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.referential_constraints rc
			ON rc.constraint_schema = kcu.table_schema
			AND rc.constraint_name = kcu.constraint_name
		WHERE kcu.table_schema = ?
		AND kcu.table_name = ?
		AND kcu.referenced_table_name IS NOT NULL
		ORDER BY kcu.column_name
	`
	fkRows, err := d.queryMaps(ctx, fkQuery, d.Database, object)
	if err != nil {
		return nil, fmt.Errorf("describe %s foreign keys: %w", object, err)
	}
	for _, row := range fkRows {
		col := row.StringValue("column_name")
		f, ok := desc.Fields[col]
		if !ok {
			continue
		}
		ref := row.StringValue("referenced_table_name")
		f.ReferenceTo = append(f.ReferenceTo, ref)
		if strings.EqualFold(row.StringValue("delete_rule"), "CASCADE") {
			f.CascadeDelete = true
		}
	}
	return desc, nil
}

// PolymorphicFields returns the polymorphic lookup fields of an object.
// SQL foreign keys are always single-target, so the answer is empty.
func (d *Database) PolymorphicFields(ctx context.Context, object string) ([]string, error) {
	return nil, nil
}

// Query runs a declared object query. The declarative dialect is directly
// executable SQL; useBulk is accepted for interface parity and ignored since
// database/sql streams results regardless.
func (d *Database) Query(ctx context.Context, q string, useBulk bool) ([]models.Record, error) {
	return d.queryMaps(ctx, q)
}

// ExecuteCrud writes a batch of records in one transaction.
func (d *Database) ExecuteCrud(ctx context.Context, object string, records []models.Record, op models.Operation) ([]models.CrudResult, error) {
	if len(records) == 0 {
		return nil, nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	results := make([]models.CrudResult, 0, len(records))
	for _, rec := range records {
		res, err := d.writeRecord(ctx, tx, object, rec, op)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("%s %s: %w", strings.ToLower(op.String()), object, err)
		}
		results = append(results, res)
	}
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("commit %s batch: %w", object, err)
	}
	return results, nil
}

func (d *Database) writeRecord(ctx context.Context, tx *sql.Tx, object string, rec models.Record, op models.Operation) (models.CrudResult, error) {
	id := rec.StringValue(models.IDField)

	switch op {
	case models.Insert:
		cols, args := recordColumns(rec, false)
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", object, strings.Join(cols, ", "), placeholders)
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return models.CrudResult{ID: id, Error: err.Error()}, nil
		}
		if id == "" {
			if last, err := res.LastInsertId(); err == nil {
				id = fmt.Sprintf("%d", last)
			}
		}
		return models.CrudResult{ID: id, Success: true}, nil

	case models.Update, models.Upsert:
		if id == "" {
			return models.CrudResult{Error: "record has no identifier"}, nil
		}
		cols, args := recordColumns(rec, true)
		if len(cols) == 0 {
			return models.CrudResult{ID: id, Success: true}, nil
		}
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = c + " = ?"
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", object, strings.Join(sets, ", "), models.IDField)
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return models.CrudResult{ID: id, Error: err.Error()}, nil
		}
		return models.CrudResult{ID: id, Success: true}, nil

	case models.Delete, models.HardDelete, models.DeleteFromSource, models.DeleteByHierarchy:
		if id == "" {
			return models.CrudResult{Error: "record has no identifier"}, nil
		}
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", object, models.IDField)
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return models.CrudResult{ID: id, Error: err.Error()}, nil
		}
		return models.CrudResult{ID: id, Success: true}, nil
	}
	return models.CrudResult{}, fmt.Errorf("unsupported operation %s", op)
}

// recordColumns returns the writable columns of a record in stable order.
func recordColumns(rec models.Record, excludeID bool) ([]string, []interface{}) {
	cols := make([]string, 0, len(rec))
	for c := range rec {
		if excludeID && c == models.IDField {
			continue
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		args[i] = rec[c]
	}
	return cols, args
}

// queryMaps runs a query and scans every row into a record map.
func (d *Database) queryMaps(ctx context.Context, q string, params ...interface{}) ([]models.Record, error) {
	rows, err := d.DB.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []models.Record
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}
		row := make(models.Record, len(columns))
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = val
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// databaseNameFromDSN pulls the database name out of a MySQL DSN of the form
// user:pass@tcp(host:port)/dbname?params.
func databaseNameFromDSN(dsn string) (string, error) {
	end := len(dsn)
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		end = i
	}
	slash := strings.LastIndexByte(dsn[:end], '/')
	if slash < 0 || slash+1 >= end {
		return "", fmt.Errorf("cannot extract database name from DSN")
	}
	return dsn[slash+1 : end], nil
}
