package channel

import (
	"context"
	"sync"
	"time"

	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
)

type ChannelStats struct {
	RawSent    int64
	RawDropped int64
}

// Channels carries raw quote batches from the collector boundary into the
// ingest workers.
type Channels struct {
	Raw chan models.RawQuoteBatch

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw: make(chan models.RawQuoteBatch, rawBufferSize),
		log: log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Info("quote channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Raw)
	c.log.WithComponent("channels").Info("quote channels closed")
}

func (c *Channels) IncrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRawDropped() {
	c.statsMutex.Lock()
	c.stats.RawDropped++
	c.statsMutex.Unlock()
}

// SendRaw offers a batch to the ingest pipeline without blocking the
// collector. A full buffer drops the batch, counts it, and emits a drop
// metric so the loss is visible.
func (c *Channels) SendRaw(ctx context.Context, batch models.RawQuoteBatch) bool {
	select {
	case c.Raw <- batch:
		c.IncrementRawSent()
		logger.RecordChannelMessage("raw_quotes", len(batch.Rows))
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementRawDropped()
		metrics.EmitChannelDrop(c.log, "raw_quotes", batch.Index)
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting emits occupancy gauges for the raw buffer until
// the context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context, tracker metrics.Tracker) {
	if tracker == nil {
		tracker = metrics.Nop()
	}

	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := c.GetStats()
				tracker.SetGauge("raw_buffer_length", float64(len(c.Raw)), map[string]string{
					"component": "channels",
					"buffer":    "raw_quotes",
				})
				tracker.SetGauge("raw_dropped", float64(stats.RawDropped), map[string]string{
					"component": "channels",
					"buffer":    "raw_quotes",
				})
			}
		}
	}()
}
