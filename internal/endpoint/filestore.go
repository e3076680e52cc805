package endpoint

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/datamove-io/datamove/pkg/models"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// FileStore reads and writes delimited tabular files with read-all /
// write-all semantics. Delimiter, quoting, and byte-order-mark handling are
// configurable; values are always treated as strings.
type FileStore struct {
	Delimiter rune
	// BOM prepends a UTF-8 byte-order mark on write. A BOM on read is
	// always stripped.
	BOM bool
}

// NewFileStore creates a store with the given delimiter (default comma).
func NewFileStore(delimiter rune, bom bool) *FileStore {
	if delimiter == 0 {
		delimiter = ','
	}
	return &FileStore{Delimiter: delimiter, BOM: bom}
}

// ReadAll loads a whole file, returning header names and one record per row.
// Short rows are padded with empty strings; extra cells are dropped.
func (s *FileStore) ReadAll(path string) ([]string, []models.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = s.Delimiter
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header %s: %w", path, err)
	}

	var rows []models.Record
	for {
		cells, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %s: %w", path, err)
		}
		row := make(models.Record, len(header))
		for i, h := range header {
			if i < len(cells) {
				row[h] = cells[i]
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// WriteAll writes a whole file from header names and records. Missing values
// are written as empty strings.
func (s *FileStore) WriteAll(path string, headers []string, rows []models.Record) error {
	var buf bytes.Buffer
	if s.BOM {
		buf.Write(utf8BOM)
	}
	w := csv.NewWriter(&buf)
	w.Comma = s.Delimiter

	if err := w.Write(headers); err != nil {
		return fmt.Errorf("write header %s: %w", path, err)
	}
	cells := make([]string, len(headers))
	for _, row := range rows {
		for i, h := range headers {
			cells[i] = row.StringValue(h)
		}
		if err := w.Write(cells); err != nil {
			return fmt.Errorf("write row %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Exists reports whether a file is present.
func (s *FileStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
