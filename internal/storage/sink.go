package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// EnsuredTables records the fully-qualified table ids already provisioned by a Sink.
// It is safe for concurrent use.
type EnsuredTables struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewEnsuredTables creates an empty cache.
func NewEnsuredTables() *EnsuredTables {
	return &EnsuredTables{ids: make(map[string]struct{})}
}

// Has reports whether id was marked.
func (e *EnsuredTables) Has(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.ids[id]
	return ok
}

// Mark records id as ensured.
func (e *EnsuredTables) Mark(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids[id] = struct{}{}
}

// Reset forgets every recorded id.
func (e *EnsuredTables) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = make(map[string]struct{})
}

// Len returns the number of recorded ids.
func (e *EnsuredTables) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.ids)
}

// Sink provisions the candles table and appends rows to it through a Warehouse.
type Sink struct {
	warehouse Warehouse
	ensured   *EnsuredTables
	pending   singleflight.Group
	logger    *slog.Logger
}

// NewSink creates a sink over warehouse with an empty ensured-tables cache.
func NewSink(warehouse Warehouse, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		warehouse: warehouse,
		ensured:   NewEnsuredTables(),
		logger:    logger.With("component", "storage"),
	}
}

// Ensured exposes the sink's ensured-tables cache.
func (s *Sink) Ensured() *EnsuredTables {
	return s.ensured
}

func (s *Sink) ref(dataset, table string) TableRef {
	return TableRef{Project: s.warehouse.Project(), Dataset: dataset, Table: table}
}

// EnsureTable makes sure dataset.table exists with the candle schema.
//
// A missing table is created with schema, daily partitioning on timestamp and clustering
// on (exchange, symbol). A table without columns gets the schema, plus partitioning and
// clustering when absent, in a single update. A table that already has a schema is
// returned unchanged.
func (s *Sink) EnsureTable(ctx context.Context, dataset, table string) (*TableMetadata, error) {
	ref := s.ref(dataset, table)
	id := ref.FullID()

	md, err := s.warehouse.GetTable(ctx, ref)
	if errors.Is(err, ErrTableNotFound) {
		md = CandleTableMetadata()
		if err := s.warehouse.CreateTable(ctx, ref, md); err != nil {
			return nil, NewCreateError(id, err)
		}
		s.logger.Info("created table", "table", id)
		return md, nil
	}
	if err != nil {
		return nil, NewStorageError("get_table", id, "", err)
	}

	if len(md.Schema) > 0 {
		return md, nil
	}

	update := md.Clone()
	update.Schema = CandleSchema()
	fields := []string{FieldSchema}
	if update.TimePartitioning == nil {
		update.TimePartitioning = &Partitioning{Field: CandleTableMetadata().TimePartitioning.Field}
		fields = append(fields, FieldTimePartitioning)
	}
	if len(update.Clustering) == 0 {
		update.Clustering = CandleTableMetadata().Clustering
		fields = append(fields, FieldClustering)
	}

	updated, err := s.warehouse.UpdateTable(ctx, ref, update, fields)
	if err != nil {
		return nil, NewUpdateError(id, err)
	}
	s.logger.Info("repaired table schema", "table", id, "fields", fields)
	return updated, nil
}

// Prepare runs EnsureTable for dataset.table unless the sink already provisioned it,
// and records the table id on success. Concurrent callers for the same id share one
// provisioning call.
func (s *Sink) Prepare(ctx context.Context, dataset, table string) error {
	id := s.ref(dataset, table).FullID()
	if s.ensured.Has(id) {
		return nil
	}

	_, err, _ := s.pending.Do(id, func() (any, error) {
		if s.ensured.Has(id) {
			return nil, nil
		}
		if _, err := s.EnsureTable(ctx, dataset, table); err != nil {
			return nil, err
		}
		s.ensured.Mark(id)
		return nil, nil
	})
	return err
}

// Insert appends rows to dataset.table. The first insert into a given table id runs
// Prepare; later ones skip it until the cache is reset. Any rejected row fails the
// whole call with a StorageError listing every rejection.
func (s *Sink) Insert(ctx context.Context, dataset, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	if err := s.Prepare(ctx, dataset, table); err != nil {
		return err
	}

	ref := s.ref(dataset, table)
	id := ref.FullID()
	rowErrs, err := s.warehouse.InsertRows(ctx, ref, rows)
	if err != nil {
		return NewInsertError(id, err)
	}
	if len(rowErrs) > 0 {
		insertErr := NewInsertError(id, fmt.Errorf("%d of %d rows rejected", len(rowErrs), len(rows)))
		insertErr.RowErrors = rowErrs
		return insertErr
	}

	s.logger.Debug("inserted rows", "table", id, "rows", len(rows))
	return nil
}

// Close closes the underlying warehouse.
func (s *Sink) Close() error {
	return s.warehouse.Close()
}
