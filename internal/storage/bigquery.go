package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQueryWarehouse implements Warehouse on Google BigQuery using streaming inserts.
type BigQueryWarehouse struct {
	client *bigquery.Client
	logger *slog.Logger
}

var _ Warehouse = (*BigQueryWarehouse)(nil)

// NewBigQueryWarehouse opens a BigQuery client for projectID. An empty projectID lets
// the client detect it from the ambient credentials.
func NewBigQueryWarehouse(ctx context.Context, projectID string, logger *slog.Logger, opts ...option.ClientOption) (*BigQueryWarehouse, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if projectID == "" {
		projectID = bigquery.DetectProjectID
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to create BigQuery client: %w", err))
	}

	logger.Info("connected to BigQuery", "project", client.Project())
	return &BigQueryWarehouse{client: client, logger: logger}, nil
}

// Project implements Warehouse.
func (b *BigQueryWarehouse) Project() string {
	return b.client.Project()
}

func (b *BigQueryWarehouse) table(ref TableRef) *bigquery.Table {
	return b.client.DatasetInProject(ref.Project, ref.Dataset).Table(ref.Table)
}

// GetTable implements Warehouse.
func (b *BigQueryWarehouse) GetTable(ctx context.Context, ref TableRef) (*TableMetadata, error) {
	md, err := b.table(ref).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", ref.FullID(), ErrTableNotFound)
		}
		return nil, fmt.Errorf("failed to get table metadata: %w", err)
	}
	return fromBigQueryMetadata(md), nil
}

// CreateTable implements Warehouse.
func (b *BigQueryWarehouse) CreateTable(ctx context.Context, ref TableRef, md *TableMetadata) error {
	if err := b.table(ref).Create(ctx, toBigQueryMetadata(md)); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// UpdateTable implements Warehouse. Only the named fields are sent.
func (b *BigQueryWarehouse) UpdateTable(ctx context.Context, ref TableRef, md *TableMetadata, fields []string) (*TableMetadata, error) {
	update, err := toBigQueryUpdate(md, fields)
	if err != nil {
		return nil, err
	}

	updated, err := b.table(ref).Update(ctx, update, "")
	if err != nil {
		return nil, fmt.Errorf("failed to update table: %w", err)
	}
	return fromBigQueryMetadata(updated), nil
}

// InsertRows implements Warehouse.
func (b *BigQueryWarehouse) InsertRows(ctx context.Context, ref TableRef, rows []Row) ([]RowError, error) {
	savers := make([]*rowSaver, len(rows))
	for i, row := range rows {
		savers[i] = &rowSaver{row: row}
	}

	err := b.table(ref).Inserter().Put(ctx, savers)
	if err == nil {
		return nil, nil
	}

	var multi bigquery.PutMultiError
	if errors.As(err, &multi) {
		return fromPutMultiError(multi), nil
	}
	return nil, fmt.Errorf("failed to stream rows: %w", err)
}

// Close implements Warehouse.
func (b *BigQueryWarehouse) Close() error {
	return b.client.Close()
}

// rowSaver adapts a Row to bigquery.ValueSaver.
type rowSaver struct {
	row Row
}

// Save implements bigquery.ValueSaver. An empty insert id lets the client generate one.
func (r *rowSaver) Save() (map[string]bigquery.Value, string, error) {
	out := make(map[string]bigquery.Value, len(r.row))
	for k, v := range r.row {
		out[k] = v
	}
	return out, "", nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func fromPutMultiError(multi bigquery.PutMultiError) []RowError {
	rowErrs := make([]RowError, 0, len(multi))
	for _, rowErr := range multi {
		messages := make([]string, 0, len(rowErr.Errors))
		for _, e := range rowErr.Errors {
			messages = append(messages, e.Error())
		}
		rowErrs = append(rowErrs, RowError{Index: rowErr.RowIndex, Message: strings.Join(messages, "; ")})
	}
	return rowErrs
}

func toBigQuerySchema(columns []Column) bigquery.Schema {
	schema := make(bigquery.Schema, len(columns))
	for i, col := range columns {
		schema[i] = &bigquery.FieldSchema{
			Name:     col.Name,
			Type:     bigquery.FieldType(col.Type),
			Required: col.Required,
		}
	}
	return schema
}

func toBigQueryMetadata(md *TableMetadata) *bigquery.TableMetadata {
	out := &bigquery.TableMetadata{Schema: toBigQuerySchema(md.Schema)}
	if md.TimePartitioning != nil {
		out.TimePartitioning = &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: md.TimePartitioning.Field,
		}
	}
	if len(md.Clustering) > 0 {
		out.Clustering = &bigquery.Clustering{Fields: md.Clustering}
	}
	return out
}

func toBigQueryUpdate(md *TableMetadata, fields []string) (bigquery.TableMetadataToUpdate, error) {
	var update bigquery.TableMetadataToUpdate
	full := toBigQueryMetadata(md)

	for _, field := range fields {
		switch field {
		case FieldSchema:
			update.Schema = full.Schema
		case FieldTimePartitioning:
			update.TimePartitioning = full.TimePartitioning
		case FieldClustering:
			update.Clustering = full.Clustering
		default:
			return update, fmt.Errorf("unknown table field %q", field)
		}
	}
	return update, nil
}

func fromBigQueryMetadata(md *bigquery.TableMetadata) *TableMetadata {
	out := &TableMetadata{Schema: make([]Column, 0, len(md.Schema))}
	for _, field := range md.Schema {
		out.Schema = append(out.Schema, Column{
			Name:     field.Name,
			Type:     string(field.Type),
			Required: field.Required,
		})
	}
	if md.TimePartitioning != nil {
		out.TimePartitioning = &Partitioning{Field: md.TimePartitioning.Field}
	}
	if md.Clustering != nil {
		out.Clustering = append([]string(nil), md.Clustering.Fields...)
	}
	return out
}
