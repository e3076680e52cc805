// Package endpoint defines the collaborator boundary toward the two sides of
// a migration: schema metadata, record query/CRUD, and flat-file I/O.
package endpoint

import (
	"context"
	"errors"

	"github.com/datamove-io/datamove/pkg/models"
)

// ErrObjectNotFound is returned by Describe when an object does not exist on
// the endpoint. The caller excludes the object and logs; absence is not fatal.
var ErrObjectNotFound = errors.New("object not found")

// SchemaProvider supplies schema metadata for migration objects.
type SchemaProvider interface {
	Describe(ctx context.Context, object string, isSource bool) (*models.ObjectDescribe, error)
	PolymorphicFields(ctx context.Context, object string) ([]string, error)
}

// CrudClient executes queries and record writes against one endpoint.
// Batching, retry, and job polling are the implementation's responsibility;
// callers see synchronous calls only.
type CrudClient interface {
	Query(ctx context.Context, q string, useBulk bool) ([]models.Record, error)
	ExecuteCrud(ctx context.Context, object string, records []models.Record, op models.Operation) ([]models.CrudResult, error)
	// Live reports whether the endpoint is a live data service, as opposed
	// to a flat-file directory. Backward write passes only run against live
	// targets.
	Live() bool
}

// Endpoint is one full side of a migration.
type Endpoint interface {
	SchemaProvider
	CrudClient
}
