// Package storage defines the warehouse abstraction used to persist OHLCV candles and
// the Sink that provisions the destination table and appends rows to it.
//
// The Warehouse interface is shaped after a cloud analytics warehouse: tables are
// addressed by project, dataset and table name, carry a column schema plus optional
// time partitioning and clustering, and accept streaming row inserts that may reject
// individual rows. BigQuery, DuckDB, ClickHouse and in-memory backends implement it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	collerrors "github.com/johnayoung/tda-collector/internal/errors"
)

// ErrTableNotFound is returned by Warehouse.GetTable when the table does not exist.
var ErrTableNotFound = errors.New("table not found")

// Names of the table metadata fields that UpdateTable may change.
const (
	FieldSchema           = "schema"
	FieldTimePartitioning = "time_partitioning"
	FieldClustering       = "clustering_fields"
)

// Column types understood by every backend.
const (
	TypeTimestamp = "TIMESTAMP"
	TypeString    = "STRING"
	TypeFloat     = "FLOAT"
)

// Row is one record handed to the warehouse, keyed by column name.
type Row = map[string]any

// Warehouse is the minimal table API the Sink needs from a backend.
type Warehouse interface {
	// Project returns the project (or database) qualifying every table id.
	Project() string

	// GetTable returns the table metadata, or an error wrapping ErrTableNotFound.
	GetTable(ctx context.Context, ref TableRef) (*TableMetadata, error)

	// CreateTable creates the table with the given schema, partitioning and clustering.
	CreateTable(ctx context.Context, ref TableRef, md *TableMetadata) error

	// UpdateTable applies the named fields of md to an existing table.
	UpdateTable(ctx context.Context, ref TableRef, md *TableMetadata, fields []string) (*TableMetadata, error)

	// InsertRows streams rows into the table. Rows rejected by the backend are reported
	// individually; the error return is reserved for failures of the whole call.
	InsertRows(ctx context.Context, ref TableRef, rows []Row) ([]RowError, error)

	// Close releases the backend connection.
	Close() error
}

// TableRef addresses one table.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// FullID returns the fully-qualified "project.dataset.table" identifier.
func (r TableRef) FullID() string {
	return fmt.Sprintf("%s.%s.%s", r.Project, r.Dataset, r.Table)
}

// Column describes one table column.
type Column struct {
	Name     string
	Type     string
	Required bool
}

// Partitioning describes time partitioning on a timestamp column.
type Partitioning struct {
	Field string
}

// TableMetadata is the subset of table metadata the collector manages.
type TableMetadata struct {
	Schema           []Column
	TimePartitioning *Partitioning
	Clustering       []string
}

// Clone returns a deep copy of the metadata.
func (m *TableMetadata) Clone() *TableMetadata {
	if m == nil {
		return nil
	}
	out := &TableMetadata{
		Schema:     append([]Column(nil), m.Schema...),
		Clustering: append([]string(nil), m.Clustering...),
	}
	if m.TimePartitioning != nil {
		p := *m.TimePartitioning
		out.TimePartitioning = &p
	}
	return out
}

// RowError reports a row rejected by the warehouse.
type RowError struct {
	Index   int
	Message string
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Index, e.Message)
}

// Error types for storage operations

// StorageError represents errors that occur during storage operations.
// Storage errors are never retried.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "create_table")
	Operation string

	// Table is the fully-qualified table involved in the operation
	Table string

	// Query is the SQL statement or operation details (may be empty)
	Query string

	// RowErrors holds the rows the warehouse rejected, if any
	RowErrors []RowError

	// Err is the underlying error that caused the failure
	Err error
}

var _ collerrors.Typed = (*StorageError)(nil)

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	msg := fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
	if e.Table != "" {
		msg = fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	if len(e.RowErrors) > 0 {
		details := make([]string, len(e.RowErrors))
		for i, rowErr := range e.RowErrors {
			details[i] = rowErr.Error()
		}
		msg += " [" + strings.Join(details, "; ") + "]"
	}
	return msg
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrorType implements errors.Typed.
func (e *StorageError) ErrorType() collerrors.ErrorType {
	return collerrors.ErrorTypeStorage
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}

// NewCreateError creates a StorageError specifically for table creation.
func NewCreateError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "create_table",
		Table:     table,
		Err:       err,
	}
}

// NewUpdateError creates a StorageError specifically for metadata updates.
func NewUpdateError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "update_table",
		Table:     table,
		Err:       err,
	}
}
