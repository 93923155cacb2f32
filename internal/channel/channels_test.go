package channel

import (
	"context"
	"testing"
	"time"

	"optionflow/internal/metrics"
	"optionflow/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1)
	if c.Raw == nil {
		t.Fatalf("expected non-nil raw channel")
	}
	if cap(c.Raw) != 1 {
		t.Fatalf("raw buffer capacity = %d, want 1", cap(c.Raw))
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, metrics.Nop())
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}

func TestSendRawDropsWhenFull(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()
	ctx := context.Background()

	batch := models.RawQuoteBatch{Index: "NIFTY", Rows: make([]models.RawQuoteRow, 2)}
	if !c.SendRaw(ctx, batch) {
		t.Fatalf("first send must succeed")
	}
	if c.SendRaw(ctx, batch) {
		t.Fatalf("second send must drop: buffer is full")
	}

	stats := c.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("stats = %+v, want one sent and one dropped", stats)
	}
}

func TestSendRawCancelledContext(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	// Fill the buffer, then cancel: send must return false either way.
	ctx, cancel := context.WithCancel(context.Background())
	c.SendRaw(ctx, models.RawQuoteBatch{Index: "NIFTY"})
	cancel()

	before := c.GetStats()
	if c.SendRaw(ctx, models.RawQuoteBatch{Index: "NIFTY"}) {
		t.Fatalf("send must fail after cancel")
	}
	after := c.GetStats()
	if after.RawSent != before.RawSent {
		t.Fatalf("cancelled send must not count as sent")
	}
}
