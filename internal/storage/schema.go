package storage

import "github.com/johnayoung/tda-collector/internal/models"

// CandleSchema returns the column layout of the candles table.
func CandleSchema() []Column {
	return []Column{
		{Name: models.ColumnTimestamp, Type: TypeTimestamp, Required: true},
		{Name: models.ColumnExchange, Type: TypeString, Required: true},
		{Name: models.ColumnSymbol, Type: TypeString, Required: true},
		{Name: models.ColumnTimeframe, Type: TypeString, Required: true},
		{Name: models.ColumnOpen, Type: TypeFloat},
		{Name: models.ColumnHigh, Type: TypeFloat},
		{Name: models.ColumnLow, Type: TypeFloat},
		{Name: models.ColumnClose, Type: TypeFloat},
		{Name: models.ColumnVolume, Type: TypeFloat},
		{Name: models.ColumnIngestedAt, Type: TypeTimestamp},
	}
}

// CandleTableMetadata returns the full metadata a new candles table is created with:
// partitioned by day on timestamp and clustered on (exchange, symbol).
func CandleTableMetadata() *TableMetadata {
	return &TableMetadata{
		Schema:           CandleSchema(),
		TimePartitioning: &Partitioning{Field: models.ColumnTimestamp},
		Clustering:       []string{models.ColumnExchange, models.ColumnSymbol},
	}
}

// CandleRows converts candles to warehouse rows.
func CandleRows(candles ...models.Candle) []Row {
	rows := make([]Row, len(candles))
	for i, c := range candles {
		rows[i] = c.Row()
	}
	return rows
}
