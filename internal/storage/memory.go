package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryWarehouse is an in-memory Warehouse, selected with STORAGE_BACKEND=memory for dry
// runs. It mirrors the streaming-insert semantics of a cloud warehouse: rows missing a
// required column are reported individually and a request with any rejected row stores
// nothing. Nothing survives the process.
type MemoryWarehouse struct {
	// Mutex for thread-safe operations
	mu sync.RWMutex

	project string
	tables  map[string]*memoryTable
	closed  bool

	// Per-operation call counts
	calls   map[string]int
	updates [][]string

	// Failure injection: when set, the named operation returns the error
	failures map[string]error
}

type memoryTable struct {
	md   *TableMetadata
	rows []Row
}

var _ Warehouse = (*MemoryWarehouse)(nil)

// NewMemoryWarehouse creates an empty in-memory warehouse for project.
func NewMemoryWarehouse(project string) *MemoryWarehouse {
	return &MemoryWarehouse{
		project:  project,
		tables:   make(map[string]*memoryTable),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

// Project implements Warehouse.
func (m *MemoryWarehouse) Project() string {
	return m.project
}

// PutTable registers a table with the given metadata, replacing any existing one.
func (m *MemoryWarehouse) PutTable(ref TableRef, md *TableMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[ref.FullID()] = &memoryTable{md: md.Clone()}
}

// FailOn makes every later call to operation ("get", "create", "update", "insert")
// return err. A nil err clears the failure.
func (m *MemoryWarehouse) FailOn(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, operation)
		return
	}
	m.failures[operation] = err
}

// Calls returns how many times operation was invoked.
func (m *MemoryWarehouse) Calls(operation string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[operation]
}

// Updates returns the field lists passed to every UpdateTable call.
func (m *MemoryWarehouse) Updates() [][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]string, len(m.updates))
	for i, fields := range m.updates {
		out[i] = append([]string(nil), fields...)
	}
	return out
}

// Rows returns a copy of the rows stored in ref.
func (m *MemoryWarehouse) Rows(ref TableRef) []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[ref.FullID()]
	if !ok {
		return nil
	}
	return append([]Row(nil), t.rows...)
}

// begin records the call and returns any injected failure. Callers hold m.mu.
func (m *MemoryWarehouse) begin(ctx context.Context, operation string) error {
	m.calls[operation]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return errors.New("warehouse is closed")
	}
	return m.failures[operation]
}

// GetTable implements Warehouse.
func (m *MemoryWarehouse) GetTable(ctx context.Context, ref TableRef) (*TableMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "get"); err != nil {
		return nil, err
	}
	t, ok := m.tables[ref.FullID()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.FullID(), ErrTableNotFound)
	}
	return t.md.Clone(), nil
}

// CreateTable implements Warehouse.
func (m *MemoryWarehouse) CreateTable(ctx context.Context, ref TableRef, md *TableMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "create"); err != nil {
		return err
	}
	if _, exists := m.tables[ref.FullID()]; exists {
		return fmt.Errorf("table %s already exists", ref.FullID())
	}
	m.tables[ref.FullID()] = &memoryTable{md: md.Clone()}
	return nil
}

// UpdateTable implements Warehouse.
func (m *MemoryWarehouse) UpdateTable(ctx context.Context, ref TableRef, md *TableMetadata, fields []string) (*TableMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "update"); err != nil {
		return nil, err
	}
	m.updates = append(m.updates, append([]string(nil), fields...))

	t, ok := m.tables[ref.FullID()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.FullID(), ErrTableNotFound)
	}

	for _, field := range fields {
		switch field {
		case FieldSchema:
			t.md.Schema = append([]Column(nil), md.Schema...)
		case FieldTimePartitioning:
			t.md.TimePartitioning = md.Clone().TimePartitioning
		case FieldClustering:
			t.md.Clustering = append([]string(nil), md.Clustering...)
		default:
			return nil, fmt.Errorf("unknown table field %q", field)
		}
	}
	return t.md.Clone(), nil
}

// InsertRows implements Warehouse.
func (m *MemoryWarehouse) InsertRows(ctx context.Context, ref TableRef, rows []Row) ([]RowError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, "insert"); err != nil {
		return nil, err
	}
	t, ok := m.tables[ref.FullID()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.FullID(), ErrTableNotFound)
	}
	if len(t.md.Schema) == 0 {
		return nil, fmt.Errorf("table %s has no schema", ref.FullID())
	}

	var rowErrs []RowError
	for i, row := range rows {
		if msg := checkRequired(t.md.Schema, row); msg != "" {
			rowErrs = append(rowErrs, RowError{Index: i, Message: msg})
		}
	}
	if len(rowErrs) > 0 {
		return rowErrs, nil
	}

	for _, row := range rows {
		copied := make(Row, len(row))
		for k, v := range row {
			copied[k] = v
		}
		t.rows = append(t.rows, copied)
	}
	return nil, nil
}

// Close implements Warehouse.
func (m *MemoryWarehouse) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// checkRequired returns a message naming the first required column that is missing or
// empty in row.
func checkRequired(schema []Column, row Row) string {
	for _, col := range schema {
		if !col.Required {
			continue
		}
		v, ok := row[col.Name]
		if !ok || v == nil {
			return fmt.Sprintf("missing required field %s", col.Name)
		}
		switch val := v.(type) {
		case string:
			if val == "" {
				return fmt.Sprintf("missing required field %s", col.Name)
			}
		case time.Time:
			if val.IsZero() {
				return fmt.Sprintf("missing required field %s", col.Name)
			}
		}
	}
	return ""
}
