package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsIngest   int64
	errorsStorage  int64
	warnsIngest    int64
	warnsStorage   int64
	batchesIn      int64
	rowsWritten    int64
	overviewEmits  int64
	archiveUploads int64
	channels       sync.Map // map[string]*channelStat
)

func isStorageComponent(component string) bool {
	for _, name := range []string{"batcher", "writer", "aggregator", "archive"} {
		if strings.Contains(component, name) {
			return true
		}
	}
	return false
}

func recordWarn(component string) {
	if isStorageComponent(component) {
		atomic.AddInt64(&warnsStorage, 1)
	} else {
		atomic.AddInt64(&warnsIngest, 1)
	}
}

func recordError(component string) {
	if isStorageComponent(component) {
		atomic.AddInt64(&errorsStorage, 1)
	} else {
		atomic.AddInt64(&errorsIngest, 1)
	}
}

func IncrementBatchIngested(rows int) {
	atomic.AddInt64(&batchesIn, 1)
	recordChannel("raw_batches", rows)
}

func IncrementRowsWritten(n int) {
	atomic.AddInt64(&rowsWritten, int64(n))
	recordChannel("row_files", n)
}

func IncrementOverviewEmit() {
	atomic.AddInt64(&overviewEmits, 1)
	recordChannel("overview_files", 1)
}

func IncrementArchiveUpload(size int64) {
	atomic.AddInt64(&archiveUploads, 1)
	recordChannel("archive_upload", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_ingest":   atomic.LoadInt64(&errorsIngest),
		"errors_storage":  atomic.LoadInt64(&errorsStorage),
		"warns_ingest":    atomic.LoadInt64(&warnsIngest),
		"warns_storage":   atomic.LoadInt64(&warnsStorage),
		"batches_in":      atomic.LoadInt64(&batchesIn),
		"rows_written":    atomic.LoadInt64(&rowsWritten),
		"overview_emits":  atomic.LoadInt64(&overviewEmits),
		"archive_uploads": atomic.LoadInt64(&archiveUploads),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Flow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-ErrorsIngest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_ingest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-ErrorsStorage"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_storage"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-WarnsIngest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_ingest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-WarnsStorage"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_storage"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-BatchesIn"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["batches_in"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-RowsWritten"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rows_written"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-OverviewEmits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["overview_emits"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-ArchiveUploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_uploads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Flow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Flow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Flow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
