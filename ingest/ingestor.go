package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"optionflow/aggregator"
	"optionflow/batcher"
	"optionflow/config"
	"optionflow/expiry"
	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/validator"
	"optionflow/writer"
)

// Each worker owns a small queue; batches are routed by index hash so
// cycles stay sequential per index while distinct indices run in parallel.
const workerQueueSize = 16

// Ingestor drives one collection cycle per incoming raw batch: resolve the
// batch expiry, validate every row, buffer the survivors, force the
// end-of-cycle flush and hand the cycle summary to the aggregator.
type Ingestor struct {
	cfg       *config.Config
	rawChan   <-chan models.RawQuoteBatch
	validator *validator.Validator
	resolver  *expiry.Resolver
	batcher   *batcher.Batcher
	writer    *writer.FileWriter
	agg       *aggregator.Aggregator
	tracker   metrics.Tracker
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.Mutex
	running   bool
	log       *logger.Entry

	workerChans []chan models.RawQuoteBatch

	// Corrected contexts are remembered for the session so a repaired
	// expiry is applied to every later cycle without re-deriving it.
	contextsMu sync.Mutex
	ctxSession string
	contexts   map[string]models.ExpiryContext

	batchesProcessed int64
	rowsProcessed    int64
	rowsAccepted     int64
	rowsRejected     int64
	rowsQuarantined  int64
	junkRows         int64
	expiryRepairs    int64
	errorsCount      int64
}

func NewIngestor(
	cfg *config.Config,
	rawChan <-chan models.RawQuoteBatch,
	v *validator.Validator,
	r *expiry.Resolver,
	b *batcher.Batcher,
	fw *writer.FileWriter,
	agg *aggregator.Aggregator,
	tracker metrics.Tracker,
) *Ingestor {
	if tracker == nil {
		tracker = metrics.Nop()
	}
	return &Ingestor{
		cfg:       cfg,
		rawChan:   rawChan,
		validator: v,
		resolver:  r,
		batcher:   b,
		writer:    fw,
		agg:       agg,
		tracker:   tracker,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger().WithComponent("ingest"),
		contexts:  make(map[string]models.ExpiryContext),
	}
}

func (in *Ingestor) Start(ctx context.Context) error {
	in.mu.Lock()
	if in.running {
		in.mu.Unlock()
		return fmt.Errorf("ingestor already running")
	}
	in.running = true
	in.ctx = ctx
	in.mu.Unlock()

	workers := in.cfg.Ingest.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	in.workerChans = make([]chan models.RawQuoteBatch, workers)
	for i := range in.workerChans {
		in.workerChans[i] = make(chan models.RawQuoteBatch, workerQueueSize)
	}

	in.log.WithFields(logger.Fields{"workers": workers}).Info("starting ingestor")

	for i := range in.workerChans {
		in.wg.Add(1)
		go in.worker(i)
	}
	in.wg.Add(1)
	go in.dispatcher()
	in.wg.Add(1)
	go in.metricsReporter(ctx)

	in.log.Info("ingestor started successfully")
	return nil
}

// Stop waits for workers, then emits the session advisories. The caller
// cancels the context first; buffered rows are persisted by the batcher's
// own shutdown flush.
func (in *Ingestor) Stop() {
	in.mu.Lock()
	in.running = false
	in.mu.Unlock()

	in.log.Info("stopping ingestor")
	in.wg.Wait()
	in.resolver.EmitAdvisories()
	in.log.Info("ingestor stopped")
}

// dispatcher routes raw batches to the worker that owns the batch's index.
func (in *Ingestor) dispatcher() {
	defer in.wg.Done()

	for {
		select {
		case <-in.ctx.Done():
			return
		case batch, ok := <-in.rawChan:
			if !ok {
				in.log.Info("raw channel closed, dispatcher stopping")
				return
			}
			slot := int(indexHash(batch.Index)) % len(in.workerChans)
			select {
			case <-in.ctx.Done():
				return
			case in.workerChans[slot] <- batch:
			}
		}
	}
}

func (in *Ingestor) worker(workerID int) {
	defer in.wg.Done()

	log := in.log.WithFields(logger.Fields{"worker_id": workerID})
	log.Info("starting ingest worker")

	for {
		select {
		case <-in.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case batch := <-in.workerChans[workerID]:
			start := time.Now()
			in.processBatch(batch)

			logger.LogPerformanceEntry(log, "ingest", "process_batch", time.Since(start), logger.Fields{
				"worker_id": workerID,
				"index":     batch.Index,
				"rows":      len(batch.Rows),
			})
		}
	}
}

func (in *Ingestor) processBatch(batch models.RawQuoteBatch) {
	start := time.Now()
	now := batch.Timestamp
	if now.IsZero() {
		now = start
	}

	logger.IncrementBatchIngested(len(batch.Rows))
	atomic.AddInt64(&in.batchesProcessed, 1)
	atomic.AddInt64(&in.rowsProcessed, int64(len(batch.Rows)))

	ectx := in.resolveContext(batch, now)
	session := in.resolver.SessionDate(now)
	key := models.BatchKey{Index: batch.Index, ExpiryCode: ectx.Code, SessionDate: session}

	summary := models.CycleSummary{
		Index:       batch.Index,
		ExpiryCode:  ectx.Code,
		SessionDate: session,
		Timestamp:   now,
	}
	strikes := make(map[float64]bool)
	var quarantined map[models.QuarantineCategory][]models.QuoteRow
	accepted := 0

	for _, raw := range batch.Rows {
		res := in.validator.Validate(raw, batch.Index, ectx, now)
		if res.Junk != models.JunkNone {
			atomic.AddInt64(&in.junkRows, 1)
		}
		switch res.Verdict {
		case models.VerdictAccepted:
			if err := in.batcher.Buffer(key, res.Row); err != nil {
				in.failCycle(batch, key, err)
				return
			}
			accepted++
			row := res.Row
			if row.Underlying > 0 {
				summary.Underlying = row.Underlying
			}
			switch row.Kind {
			case models.KindPut:
				summary.PutOI += row.OpenInterest
			case models.KindCall:
				summary.CallOI += row.OpenInterest
			}
			if !strikes[row.Strike] {
				strikes[row.Strike] = true
				summary.Strikes = append(summary.Strikes, row.Strike)
			}
		case models.VerdictQuarantined:
			atomic.AddInt64(&in.rowsQuarantined, 1)
			if quarantined == nil {
				quarantined = make(map[models.QuarantineCategory][]models.QuoteRow)
			}
			quarantined[res.Quarantine] = append(quarantined[res.Quarantine], res.Row)
		case models.VerdictRejected:
			atomic.AddInt64(&in.rowsRejected, 1)
		}
	}

	if len(quarantined) > 0 {
		in.writeQuarantine(batch.Index, session, quarantined)
	}

	flushed, err := in.batcher.MaybeFlush(key, true)
	if err != nil {
		in.failCycle(batch, key, err)
		return
	}

	if accepted > 0 {
		in.agg.Update(summary)
	}
	atomic.AddInt64(&in.rowsAccepted, int64(accepted))

	fields := logger.Fields{
		"batch_id":    batch.BatchID,
		"key":         key.String(),
		"rows":        len(batch.Rows),
		"accepted":    accepted,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if flushed != nil {
		fields["flush_id"] = flushed.FlushID
		fields["flushed_rows"] = flushed.Rows
		logger.LogDataFlowEntry(in.log, "batch_buffer", "row_files", flushed.Rows, "quote_rows")
	}
	in.log.WithFields(fields).Debug("cycle processed")
}

// resolveContext resolves the batch expiry, reusing a corrected context
// from earlier in the session and probing this_week classifications
// against the expiry the rows themselves carry.
func (in *Ingestor) resolveContext(batch models.RawQuoteBatch, now time.Time) models.ExpiryContext {
	session := in.resolver.SessionDate(now)
	ckey := fmt.Sprintf("%s|%s", batch.Index, batch.Expiry)

	in.contextsMu.Lock()
	if in.ctxSession != session {
		in.ctxSession = session
		in.contexts = make(map[string]models.ExpiryContext)
	}
	cached, ok := in.contexts[ckey]
	in.contextsMu.Unlock()
	if ok && cached.Corrected {
		return cached
	}

	ectx := in.resolver.Resolve(batch.Expiry, batch.Index, now)

	if ectx.Code == models.ExpiryThisWeek && !ectx.Fallback {
		if observed, found := dominantRowExpiry(batch, ectx.Date.Location()); found && !observed.Equal(ectx.Date) {
			if corrected, changed := in.resolver.Repair(ectx, batch.Index, observed, now); changed {
				oldKey := models.BatchKey{Index: batch.Index, ExpiryCode: ectx.Code, SessionDate: session}
				newKey := models.BatchKey{Index: batch.Index, ExpiryCode: corrected.Code, SessionDate: session}
				moved := in.batcher.Rekey(oldKey, newKey, func(row models.QuoteRow) models.QuoteRow {
					return row.WithExpiry(corrected.Date, corrected.Code)
				})
				atomic.AddInt64(&in.expiryRepairs, 1)
				in.log.WithFields(logger.Fields{
					"index":      batch.Index,
					"expiry":     batch.Expiry,
					"moved_rows": moved,
					"new_code":   string(corrected.Code),
				}).Warn("batch reclassified from row-level expiry evidence")
				ectx = corrected
			}
		}
	}

	if ectx.Corrected {
		in.contextsMu.Lock()
		in.contexts[ckey] = ectx
		in.contextsMu.Unlock()
	}
	return ectx
}

// dominantRowExpiry returns the expiry date a strict majority of parsable
// rows agree on. Ties and all-garbage batches yield no usable evidence.
func dominantRowExpiry(batch models.RawQuoteBatch, loc *time.Location) (time.Time, bool) {
	counts := make(map[int64]int)
	var best time.Time
	bestN := 0
	parsable := 0
	for _, raw := range batch.Rows {
		d, err := expiry.ParseExpiryDate(raw.Expiry, loc)
		if err != nil {
			continue
		}
		parsable++
		k := d.Unix()
		counts[k]++
		if counts[k] > bestN {
			bestN = counts[k]
			best = d
		}
	}
	if parsable == 0 || bestN*2 <= parsable {
		return time.Time{}, false
	}
	return best, true
}

func (in *Ingestor) writeQuarantine(index, session string, rows map[models.QuarantineCategory][]models.QuoteRow) {
	target := in.writer.QuarantinePath(index, session)
	for category, batch := range rows {
		if err := in.writer.AppendQuarantined(target, category, batch); err != nil {
			atomic.AddInt64(&in.errorsCount, 1)
			in.log.WithError(err).WithFields(logger.Fields{
				"target":   target,
				"category": string(category),
				"rows":     len(batch),
			}).Error("quarantine write failed")
		}
	}
}

// failCycle aborts the current cycle on a storage failure. Buffered rows
// stay buffered; the error was already counted and logged by the batcher.
func (in *Ingestor) failCycle(batch models.RawQuoteBatch, key models.BatchKey, err error) {
	atomic.AddInt64(&in.errorsCount, 1)
	in.log.WithError(err).WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"key":      key.String(),
	}).Error("cycle aborted on storage failure")
}

func (in *Ingestor) metricsReporter(ctx context.Context) {
	defer in.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportIngest(logger.GetLogger(), metrics.IngestStats{
				BatchesProcessed: atomic.LoadInt64(&in.batchesProcessed),
				RowsProcessed:    atomic.LoadInt64(&in.rowsProcessed),
				RowsAccepted:     atomic.LoadInt64(&in.rowsAccepted),
				RowsRejected:     atomic.LoadInt64(&in.rowsRejected),
				RowsQuarantined:  atomic.LoadInt64(&in.rowsQuarantined),
				JunkRows:         atomic.LoadInt64(&in.junkRows),
				ExpiryRepairs:    atomic.LoadInt64(&in.expiryRepairs),
				ErrorsCount:      atomic.LoadInt64(&in.errorsCount),
				RawChannelLen:    len(in.rawChan),
				RawChannelCap:    cap(in.rawChan),
			})
		}
	}
}

func indexHash(index string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(index))
	return h.Sum32()
}
