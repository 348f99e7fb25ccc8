package query

import (
	"context"

	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

// TableFile is one object exposed to a query as part of the view TableName.
type TableFile struct {
	TableName     string `json:"table"`
	ObjectPath    string `json:"object"`
	FileSizeBytes int64  `json:"size,omitempty"`
}

type Request struct {
	SQL      string
	RowLimit int64
	Files    []TableFile
}

// Cursor streams the result of a query in batches. Done is set on the batch
// that exhausts the result.
type Cursor interface {
	Schema() recordservice.Schema
	Next(ctx context.Context, maxRows int) (recordservice.Batch, error)
	Close() error
}

type Engine interface {
	Describe(ctx context.Context, request Request) (recordservice.Schema, error)
	Open(ctx context.Context, request Request) (Cursor, error)
}
