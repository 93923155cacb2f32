package archive

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"optionflow/models"
)

// QuoteRecord is the parquet projection of one persisted quote row. Greeks
// are optional columns so an absent greek stays null instead of zero.
type QuoteRecord struct {
	Index        string   `parquet:"name=index, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strike       float64  `parquet:"name=strike, type=DOUBLE"`
	Kind         string   `parquet:"name=instrument_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiryDate   string   `parquet:"name=expiry_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiryCode   string   `parquet:"name=expiry_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp    int64    `parquet:"name=timestamp, type=INT64"`
	LastPrice    float64  `parquet:"name=last_price, type=DOUBLE"`
	OpenInterest int64    `parquet:"name=open_interest, type=INT64"`
	Volume       int64    `parquet:"name=volume, type=INT64"`
	StrikeOffset int32    `parquet:"name=strike_offset, type=INT32"`
	Delta        *float64 `parquet:"name=delta, type=DOUBLE, repetitiontype=OPTIONAL"`
	Gamma        *float64 `parquet:"name=gamma, type=DOUBLE, repetitiontype=OPTIONAL"`
	Theta        *float64 `parquet:"name=theta, type=DOUBLE, repetitiontype=OPTIONAL"`
	Vega         *float64 `parquet:"name=vega, type=DOUBLE, repetitiontype=OPTIONAL"`
	Rho          *float64 `parquet:"name=rho, type=DOUBLE, repetitiontype=OPTIONAL"`
}

// memoryParquetFile implements source.ParquetFile over a byte buffer so
// exports never touch scratch files.
type memoryParquetFile struct {
	buffer *bytes.Buffer
}

func newMemoryParquetFile() *memoryParquetFile {
	return &memoryParquetFile{buffer: &bytes.Buffer{}}
}

func (m *memoryParquetFile) Create(name string) (source.ParquetFile, error) {
	return m, nil
}

func (m *memoryParquetFile) Open(name string) (source.ParquetFile, error) {
	return m, nil
}

func (m *memoryParquetFile) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage appends, so the position is always the end.
	return int64(m.buffer.Len()), nil
}

func (m *memoryParquetFile) Read(b []byte) (int, error) {
	return m.buffer.Read(b)
}

func (m *memoryParquetFile) Write(b []byte) (int, error) {
	return m.buffer.Write(b)
}

func (m *memoryParquetFile) Close() error {
	return nil
}

func (m *memoryParquetFile) Bytes() []byte {
	return m.buffer.Bytes()
}

func buildParquet(rows []models.QuoteRow, compression string) ([]byte, error) {
	fw := newMemoryParquetFile()

	pw, err := writer.NewParquetWriter(fw, new(QuoteRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "zstd":
		pw.CompressionType = parquet.CompressionCodec_ZSTD
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		record := QuoteRecord{
			Index:        row.Index,
			Strike:       row.Strike,
			Kind:         string(row.Kind),
			ExpiryDate:   row.ExpiryDate.Format("2006-01-02"),
			ExpiryCode:   string(row.ExpiryCode),
			Timestamp:    row.Timestamp.UnixMilli(),
			LastPrice:    row.LastPrice,
			OpenInterest: row.OpenInterest,
			Volume:       row.Volume,
			StrikeOffset: int32(row.StrikeOffset),
		}
		if g := row.Greeks; g != nil {
			delta, gamma, theta, vega, rho := g.Delta, g.Gamma, g.Theta, g.Vega, g.Rho
			record.Delta = &delta
			record.Gamma = &gamma
			record.Theta = &theta
			record.Vega = &vega
			record.Rho = &rho
		}

		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}
