package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const clickhousePingTimeout = 5 * time.Second

// ClickHouseWarehouse implements Warehouse on ClickHouse. Datasets map to databases,
// time partitioning to a monthly PARTITION BY and clustering to the MergeTree sort key.
type ClickHouseWarehouse struct {
	conn     driver.Conn
	database string
	logger   *slog.Logger
}

var _ Warehouse = (*ClickHouseWarehouse)(nil)

// NewClickHouseWarehouse parses the DSN, opens a connection, and verifies connectivity
// with a ping.
func NewClickHouseWarehouse(ctx context.Context, dsn string, logger *slog.Logger) (*ClickHouseWarehouse, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("invalid ClickHouse DSN: %w", err))
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open ClickHouse connection: %w", err))
	}

	pingCtx, cancel := context.WithTimeout(ctx, clickhousePingTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to ping ClickHouse: %w", err))
	}

	database := opts.Auth.Database
	if database == "" {
		database = "default"
	}

	logger.Info("connected to ClickHouse", "database", database)
	return &ClickHouseWarehouse{conn: conn, database: database, logger: logger}, nil
}

// Project implements Warehouse.
func (c *ClickHouseWarehouse) Project() string {
	return c.database
}

// GetTable implements Warehouse.
func (c *ClickHouseWarehouse) GetTable(ctx context.Context, ref TableRef) (*TableMetadata, error) {
	var partitionKey, sortingKey string
	err := c.conn.QueryRow(ctx,
		"SELECT partition_key, sorting_key FROM system.tables WHERE database = ? AND name = ?",
		ref.Dataset, ref.Table).Scan(&partitionKey, &sortingKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", ref.FullID(), ErrTableNotFound)
		}
		return nil, fmt.Errorf("failed to look up table: %w", err)
	}

	rows, err := c.conn.Query(ctx,
		"SELECT name, type FROM system.columns WHERE database = ? AND table = ? ORDER BY position",
		ref.Dataset, ref.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	defer rows.Close()

	md := &TableMetadata{}
	for rows.Next() {
		var name, chType string
		if err := rows.Scan(&name, &chType); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		md.Schema = append(md.Schema, fromClickHouseType(name, chType))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	md.TimePartitioning, md.Clustering = parseClickHouseKeys(partitionKey, sortingKey)
	return md, nil
}

// CreateTable implements Warehouse.
func (c *ClickHouseWarehouse) CreateTable(ctx context.Context, ref TableRef, md *TableMetadata) error {
	for _, query := range createTableStatements(ref, md) {
		if err := c.conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// UpdateTable implements Warehouse. Only schema changes can be applied in place;
// ClickHouse fixes the partition and sort keys at creation time.
func (c *ClickHouseWarehouse) UpdateTable(ctx context.Context, ref TableRef, md *TableMetadata, fields []string) (*TableMetadata, error) {
	for _, field := range fields {
		switch field {
		case FieldSchema:
			for _, col := range md.Schema {
				col.Required = false
				query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
					clickhouseName(ref), col.Name, toClickHouseType(col))
				if err := c.conn.Exec(ctx, query); err != nil {
					return nil, fmt.Errorf("failed to add column %s: %w", col.Name, err)
				}
			}
		case FieldTimePartitioning, FieldClustering:
			c.logger.Warn("table key cannot be changed after creation", "table", ref.FullID(), "field", field)
		default:
			return nil, fmt.Errorf("unknown table field %q", field)
		}
	}
	return c.GetTable(ctx, ref)
}

// InsertRows implements Warehouse using a batch insert.
func (c *ClickHouseWarehouse) InsertRows(ctx context.Context, ref TableRef, rows []Row) ([]RowError, error) {
	md, err := c.GetTable(ctx, ref)
	if err != nil {
		return nil, err
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

	columns := make([]string, len(md.Schema))
	for i, col := range md.Schema {
		columns[i] = col.Name
	}

	batch, err := c.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s (%s)", clickhouseName(ref), strings.Join(columns, ", ")))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare batch: %w", err)
	}

	values := make([]any, len(md.Schema))
	for i, row := range rows {
		for j, col := range md.Schema {
			values[j] = row[col.Name]
		}
		if err := batch.Append(values...); err != nil {
			batch.Abort()
			return nil, fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}

	if err := batch.Send(); err != nil {
		return nil, fmt.Errorf("failed to send batch: %w", err)
	}
	return nil, nil
}

// Close implements Warehouse.
func (c *ClickHouseWarehouse) Close() error {
	return c.conn.Close()
}

func clickhouseName(ref TableRef) string {
	return fmt.Sprintf("%s.%s", ref.Dataset, ref.Table)
}

func createTableStatements(ref TableRef, md *TableMetadata) []string {
	columns := make([]string, len(md.Schema))
	for i, col := range md.Schema {
		columns[i] = fmt.Sprintf("%s %s", col.Name, toClickHouseType(col))
	}

	orderBy := append([]string(nil), md.Clustering...)
	partition := ""
	if md.TimePartitioning != nil {
		partition = fmt.Sprintf("\nPARTITION BY toYYYYMM(%s)", md.TimePartitioning.Field)
		orderBy = append(orderBy, md.TimePartitioning.Field)
	}
	if len(orderBy) == 0 {
		orderBy = []string{"tuple()"}
	}

	return []string{
		"CREATE DATABASE IF NOT EXISTS " + ref.Dataset,
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n) ENGINE = MergeTree%s\nORDER BY (%s)",
			clickhouseName(ref), strings.Join(columns, ",\n\t"), partition, strings.Join(orderBy, ", ")),
	}
}

func toClickHouseType(col Column) string {
	var base string
	switch col.Type {
	case TypeTimestamp:
		base = "DateTime64(3, 'UTC')"
	case TypeFloat:
		base = "Float64"
	default:
		base = "String"
	}
	if col.Required {
		return base
	}
	return "Nullable(" + base + ")"
}

func fromClickHouseType(name, chType string) Column {
	col := Column{Name: name, Required: true}
	if inner, ok := strings.CutPrefix(chType, "Nullable("); ok {
		chType = strings.TrimSuffix(inner, ")")
		col.Required = false
	}
	switch {
	case strings.HasPrefix(chType, "DateTime"):
		col.Type = TypeTimestamp
	case strings.HasPrefix(chType, "Float"):
		col.Type = TypeFloat
	default:
		col.Type = TypeString
	}
	return col
}

// parseClickHouseKeys maps "toYYYYMM(timestamp)" and "exchange, symbol, timestamp" back
// to partitioning on timestamp and clustering on (exchange, symbol).
func parseClickHouseKeys(partitionKey, sortingKey string) (*Partitioning, []string) {
	var partitioning *Partitioning
	if open := strings.Index(partitionKey, "("); open >= 0 && strings.HasSuffix(partitionKey, ")") {
		partitioning = &Partitioning{Field: partitionKey[open+1 : len(partitionKey)-1]}
	} else if partitionKey != "" {
		partitioning = &Partitioning{Field: partitionKey}
	}

	var clustering []string
	for _, key := range strings.Split(sortingKey, ",") {
		key = strings.TrimSpace(key)
		if key == "" || (partitioning != nil && key == partitioning.Field) {
			continue
		}
		clustering = append(clustering, key)
	}
	return partitioning, clustering
}
