package storage

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestBigQueryMetadataConversion(t *testing.T) {
	md := CandleTableMetadata()

	bq := toBigQueryMetadata(md)
	require.Len(t, bq.Schema, 10)
	assert.Equal(t, bigquery.TimestampFieldType, bq.Schema[0].Type)
	assert.True(t, bq.Schema[0].Required)
	assert.Equal(t, bigquery.StringFieldType, bq.Schema[1].Type)
	assert.Equal(t, bigquery.FloatFieldType, bq.Schema[4].Type)
	assert.False(t, bq.Schema[4].Required)
	require.NotNil(t, bq.TimePartitioning)
	assert.Equal(t, "timestamp", bq.TimePartitioning.Field)
	assert.Equal(t, bigquery.DayPartitioningType, bq.TimePartitioning.Type)
	require.NotNil(t, bq.Clustering)
	assert.Equal(t, []string{"exchange", "symbol"}, bq.Clustering.Fields)

	assert.Equal(t, md, fromBigQueryMetadata(bq))

	empty := fromBigQueryMetadata(&bigquery.TableMetadata{})
	assert.Empty(t, empty.Schema)
	assert.Nil(t, empty.TimePartitioning)
	assert.Nil(t, empty.Clustering)
}

func TestBigQueryUpdateNamesOnlyRequestedFields(t *testing.T) {
	md := CandleTableMetadata()

	update, err := toBigQueryUpdate(md, []string{FieldSchema})
	require.NoError(t, err)
	assert.Len(t, update.Schema, 10)
	assert.Nil(t, update.TimePartitioning)
	assert.Nil(t, update.Clustering)

	update, err = toBigQueryUpdate(md, []string{FieldSchema, FieldTimePartitioning, FieldClustering})
	require.NoError(t, err)
	assert.NotNil(t, update.TimePartitioning)
	assert.NotNil(t, update.Clustering)

	_, err = toBigQueryUpdate(md, []string{"description"})
	assert.Error(t, err)
}

func TestBigQueryErrors(t *testing.T) {
	notFound := fmt.Errorf("metadata: %w", &googleapi.Error{Code: http.StatusNotFound})
	assert.True(t, isNotFound(notFound))
	assert.False(t, isNotFound(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isNotFound(errors.New("timeout")))

	multi := bigquery.PutMultiError{
		{RowIndex: 1, Errors: bigquery.MultiError{errors.New("no such field: foo")}},
		{RowIndex: 4, Errors: bigquery.MultiError{errors.New("invalid"), errors.New("required")}},
	}
	rowErrs := fromPutMultiError(multi)
	require.Len(t, rowErrs, 2)
	assert.Equal(t, RowError{Index: 1, Message: "no such field: foo"}, rowErrs[0])
	assert.Equal(t, RowError{Index: 4, Message: "invalid; required"}, rowErrs[1])
}

func TestBigQueryRowSaver(t *testing.T) {
	row := CandleRows(createTestCandles(1)...)[0]
	values, insertID, err := (&rowSaver{row: row}).Save()
	require.NoError(t, err)
	assert.Empty(t, insertID)
	assert.Len(t, values, 10)
	assert.Equal(t, "binance", values["exchange"])
}

func TestClickHouseTableStatements(t *testing.T) {
	statements := createTableStatements(testRef(), CandleTableMetadata())
	require.Len(t, statements, 2)
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS ds", statements[0])
	assert.Contains(t, statements[1], "CREATE TABLE IF NOT EXISTS ds.tbl")
	assert.Contains(t, statements[1], "timestamp DateTime64(3, 'UTC')")
	assert.Contains(t, statements[1], "symbol String")
	assert.Contains(t, statements[1], "volume Nullable(Float64)")
	assert.Contains(t, statements[1], "PARTITION BY toYYYYMM(timestamp)")
	assert.Contains(t, statements[1], "ORDER BY (exchange, symbol, timestamp)")
}

func TestClickHouseTypes(t *testing.T) {
	for _, col := range CandleSchema() {
		assert.Equal(t, col, fromClickHouseType(col.Name, toClickHouseType(col)))
	}
}

func TestParseClickHouseKeys(t *testing.T) {
	partitioning, clustering := parseClickHouseKeys("toYYYYMM(timestamp)", "exchange, symbol, timestamp")
	require.NotNil(t, partitioning)
	assert.Equal(t, "timestamp", partitioning.Field)
	assert.Equal(t, []string{"exchange", "symbol"}, clustering)

	partitioning, clustering = parseClickHouseKeys("", "")
	assert.Nil(t, partitioning)
	assert.Empty(t, clustering)
}
