package metrics

import (
	"testing"

	"optionflow/logger"
)

func TestReportIngest(t *testing.T) {
	log := logger.GetLogger()
	stats := IngestStats{
		BatchesProcessed: 4,
		RowsProcessed:    120,
		RowsAccepted:     110,
		RowsRejected:     6,
		RowsQuarantined:  2,
		JunkRows:         2,
		RawChannelLen:    1,
		RawChannelCap:    64,
	}
	ReportIngest(log, stats)
}

func TestReportStorage(t *testing.T) {
	log := logger.GetLogger()
	stats := StorageStats{
		FlushesCompleted: 2,
		RowsFlushed:      100,
		ActiveBatches:    1,
		BufferedRows:     13,
	}
	ReportStorage(log, "batcher", stats)
}
