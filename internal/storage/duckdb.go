package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
)

// tableOptionsTable keeps the partitioning and clustering declared for each table, which
// DuckDB has no native notion of.
const tableOptionsTable = "tda_table_options"

// DuckDBWarehouse implements Warehouse on an embedded DuckDB database. Datasets map to
// DuckDB schemas; inserts go through the Appender API.
type DuckDBWarehouse struct {
	db      *sql.DB
	dbPath  string
	project string
	logger  *slog.Logger
	mu      sync.RWMutex
}

var _ Warehouse = (*DuckDBWarehouse)(nil)

// NewDuckDBWarehouse opens (or creates) the database at dbPath. The dbPath can be
// ":memory:" for an in-memory database. project names the warehouse in table ids.
func NewDuckDBWarehouse(ctx context.Context, dbPath, project string, logger *slog.Logger) (*DuckDBWarehouse, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if project == "" {
		project = "duckdb"
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	w := &DuckDBWarehouse{
		db:      db,
		dbPath:  dbPath,
		project: project,
		logger:  logger,
	}

	if err := w.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("opened DuckDB warehouse", "db_path", dbPath)
	return w, nil
}

func (d *DuckDBWarehouse) initialize(ctx context.Context) error {
	configs := []string{
		"SET enable_progress_bar = false",
	}
	for _, config := range configs {
		if _, err := d.db.ExecContext(ctx, config); err != nil {
			d.logger.Warn("failed to set configuration", "config", config, "error", err)
		}
	}

	query := `
	CREATE TABLE IF NOT EXISTS ` + tableOptionsTable + ` (
		table_id VARCHAR PRIMARY KEY,
		partition_field VARCHAR,
		clustering VARCHAR
	)`
	if _, err := d.db.ExecContext(ctx, query); err != nil {
		return NewStorageError("initialize", tableOptionsTable, query, err)
	}
	return nil
}

// Project implements Warehouse.
func (d *DuckDBWarehouse) Project() string {
	return d.project
}

// GetTable implements Warehouse.
func (d *DuckDBWarehouse) GetTable(ctx context.Context, ref TableRef) (*TableMetadata, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	var exists int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
		ref.Dataset, ref.Table).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to look up table: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%s: %w", ref.FullID(), ErrTableNotFound)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, ref.Dataset, ref.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	defer rows.Close()

	md := &TableMetadata{}
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		md.Schema = append(md.Schema, Column{
			Name:     name,
			Type:     fromDuckDBType(dataType),
			Required: nullable == "NO",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var partition, clustering sql.NullString
	err = db.QueryRowContext(ctx,
		"SELECT partition_field, clustering FROM "+tableOptionsTable+" WHERE table_id = ?",
		ref.FullID()).Scan(&partition, &clustering)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read table options: %w", err)
	default:
		if partition.Valid && partition.String != "" {
			md.TimePartitioning = &Partitioning{Field: partition.String}
		}
		if clustering.Valid && clustering.String != "" {
			md.Clustering = strings.Split(clustering.String, ",")
		}
	}

	return md, nil
}

// CreateTable implements Warehouse. Clustering columns become an index.
func (d *DuckDBWarehouse) CreateTable(ctx context.Context, ref TableRef, md *TableMetadata) error {
	db, err := d.conn()
	if err != nil {
		return err
	}
	if len(md.Schema) == 0 {
		return errors.New("DuckDB tables need at least one column")
	}

	columns := make([]string, len(md.Schema))
	for i, col := range md.Schema {
		columns[i] = columnDefinition(col)
	}

	statements := []string{
		"CREATE SCHEMA IF NOT EXISTS " + quoteIdent(ref.Dataset),
		fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", qualifiedName(ref), strings.Join(columns, ",\n\t")),
	}
	for _, query := range statements {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return d.saveOptions(ctx, db, ref, md)
}

// UpdateTable implements Warehouse. Schema updates add the missing columns; existing
// columns are never altered.
func (d *DuckDBWarehouse) UpdateTable(ctx context.Context, ref TableRef, md *TableMetadata, fields []string) (*TableMetadata, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	current, err := d.GetTable(ctx, ref)
	if err != nil {
		return nil, err
	}

	options := current.Clone()
	for _, field := range fields {
		switch field {
		case FieldSchema:
			existing := make(map[string]bool, len(current.Schema))
			for _, col := range current.Schema {
				existing[col.Name] = true
			}
			for _, col := range md.Schema {
				if existing[col.Name] {
					continue
				}
				// DuckDB cannot add NOT NULL columns to an existing table.
				col.Required = false
				query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", qualifiedName(ref), columnDefinition(col))
				if _, err := db.ExecContext(ctx, query); err != nil {
					return nil, fmt.Errorf("failed to add column %s: %w", col.Name, err)
				}
			}
		case FieldTimePartitioning:
			options.TimePartitioning = md.Clone().TimePartitioning
		case FieldClustering:
			options.Clustering = append([]string(nil), md.Clustering...)
		default:
			return nil, fmt.Errorf("unknown table field %q", field)
		}
	}

	if err := d.saveOptions(ctx, db, ref, options); err != nil {
		return nil, err
	}
	return d.GetTable(ctx, ref)
}

func (d *DuckDBWarehouse) saveOptions(ctx context.Context, db *sql.DB, ref TableRef, md *TableMetadata) error {
	var partition string
	if md.TimePartitioning != nil {
		partition = md.TimePartitioning.Field
	}

	query := "INSERT OR REPLACE INTO " + tableOptionsTable + " (table_id, partition_field, clustering) VALUES (?, ?, ?)"
	if _, err := db.ExecContext(ctx, query, ref.FullID(), partition, strings.Join(md.Clustering, ",")); err != nil {
		return fmt.Errorf("failed to save table options: %w", err)
	}

	if len(md.Clustering) > 0 {
		cols := make([]string, len(md.Clustering))
		for i, c := range md.Clustering {
			cols[i] = quoteIdent(c)
		}
		index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent("idx_"+ref.Table+"_cluster"), qualifiedName(ref), strings.Join(cols, ", "))
		if _, err := db.ExecContext(ctx, index); err != nil {
			d.logger.Warn("failed to create clustering index", "table", ref.FullID(), "error", err)
		}
	}
	return nil
}

// InsertRows implements Warehouse using the DuckDB Appender API. Rows are checked
// against the required columns first; if any is rejected nothing is written.
func (d *DuckDBWarehouse) InsertRows(ctx context.Context, ref TableRef, rows []Row) ([]RowError, error) {
	md, err := d.GetTable(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(md.Schema) == 0 {
		return nil, fmt.Errorf("table %s has no schema", ref.FullID())
	}

	var rowErrs []RowError
	for i, row := range rows {
		if msg := checkRequired(md.Schema, row); msg != "" {
			rowErrs = append(rowErrs, RowError{Index: i, Message: msg})
		}
	}
	if len(rowErrs) > 0 {
		return rowErrs, nil
	}

	start := time.Now()

	db, err := d.conn()
	if err != nil {
		return nil, err
	}

	// Get connection and create appender
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	err = conn.Raw(func(dc any) error {
		driverConn, ok := dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, ref.Dataset, ref.Table)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}
		defer appender.Close()

		values := make([]driver.Value, len(md.Schema))
		for i, row := range rows {
			for j, col := range md.Schema {
				values[j] = row[col.Name]
			}
			if err := appender.AppendRow(values...); err != nil {
				return fmt.Errorf("failed to append row %d: %w", i, err)
			}
		}

		// Flush the appender to commit all inserts
		if err := appender.Flush(); err != nil {
			return fmt.Errorf("failed to flush appender: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("appended rows",
		"table", ref.FullID(),
		"count", len(rows),
		"duration", time.Since(start))

	return nil, nil
}

// HealthCheck performs a lightweight query to verify database connectivity.
func (d *DuckDBWarehouse) HealthCheck(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Close implements Warehouse.
func (d *DuckDBWarehouse) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Info("closing DuckDB warehouse")
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}
	return nil
}

func (d *DuckDBWarehouse) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, errors.New("database connection is closed")
	}
	return d.db, nil
}

func columnDefinition(col Column) string {
	def := quoteIdent(col.Name) + " " + toDuckDBType(col.Type)
	if col.Required {
		def += " NOT NULL"
	}
	return def
}

func toDuckDBType(t string) string {
	switch t {
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	case TypeFloat:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}

func fromDuckDBType(t string) string {
	switch strings.ToUpper(t) {
	case "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ", "TIMESTAMP":
		return TypeTimestamp
	case "DOUBLE", "FLOAT", "REAL":
		return TypeFloat
	default:
		return TypeString
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func qualifiedName(ref TableRef) string {
	return quoteIdent(ref.Dataset) + "." + quoteIdent(ref.Table)
}
