package validator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"optionflow/config"
	"optionflow/expiry"
	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
)

// Validator enforces the schema, tags junk quality signals, suppresses
// duplicate identities and quarantines mixed-expiry rows. Validate is pure
// per row apart from the shared duplicate cache, so index workers call it
// concurrently. Start only runs the cache eviction loop.
type Validator struct {
	cfg     *config.Config
	cache   *DuplicateCache
	tracker metrics.Tracker
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

func NewValidator(cfg *config.Config, cache *DuplicateCache, tracker metrics.Tracker) *Validator {
	if tracker == nil {
		tracker = metrics.Nop()
	}
	return &Validator{
		cfg:     cfg,
		cache:   cache,
		tracker: tracker,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger().WithComponent("validator"),
	}
}

func (v *Validator) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return fmt.Errorf("validator already running")
	}
	v.running = true
	v.ctx = ctx
	v.mu.Unlock()

	v.log.WithFields(logger.Fields{
		"suppression_window": v.cfg.Validator.SuppressionWindow.String(),
		"eviction_interval":  v.cfg.Validator.EvictionInterval.String(),
	}).Info("starting validator")

	v.wg.Add(1)
	go v.evictionLoop()
	return nil
}

func (v *Validator) Stop() {
	v.mu.Lock()
	v.running = false
	v.mu.Unlock()

	v.log.Info("stopping validator")
	v.wg.Wait()
	v.log.Info("validator stopped")
}

// Validate checks one raw row that was routed under the resolved batch
// expiry ectx. The outcome is always a tagged result; nothing here panics
// or escalates past the pipeline boundary.
func (v *Validator) Validate(raw models.RawQuoteRow, index string, ectx models.ExpiryContext, now time.Time) models.ValidationResult {
	row, prices, problem := v.buildRow(raw, index, ectx)
	if problem != "" {
		v.count(metrics.MetricRowsRejected, index, map[string]string{"reason": string(models.RejectSchemaError)})
		v.log.WithFields(logger.Fields{
			"index":  index,
			"detail": problem,
		}).Debug("row rejected by schema check")
		return models.Rejected(models.RejectSchemaError, problem)
	}

	junk := v.classifyJunk(raw, prices, now)
	if junk != models.JunkNone {
		v.count(metrics.MetricJunkRows, index, map[string]string{"category": string(junk)})
		row.Junk = true
	}
	if junk == models.JunkMissingPrices && !v.cfg.Validator.PersistZeroPrice {
		v.count(metrics.MetricRowsRejected, index, map[string]string{"reason": string(models.RejectJunkFiltered)})
		result := models.Rejected(models.RejectJunkFiltered, "all-zero prices excluded by policy")
		result.Junk = junk
		return result
	}

	if v.cache.SeenWithin(row.Fingerprint(), now) {
		v.count(metrics.MetricDuplicates, index, nil)
		result := models.Rejected(models.RejectDuplicate, row.IdentityKey())
		result.Junk = junk
		return result
	}

	if detail := mixedExpiryDetail(raw, ectx); detail != "" {
		v.count(metrics.MetricRowsQuarantined, index, map[string]string{"category": string(models.QuarantineMixedExpiry)})
		v.log.WithFields(logger.Fields{
			"index":  index,
			"strike": row.Strike,
			"detail": detail,
		}).Warn("row quarantined with mixed expiry")
		result := models.Quarantined(models.QuarantineMixedExpiry, row, detail)
		result.Junk = junk
		return result
	}

	v.count(metrics.MetricRowsAccepted, index, nil)
	result := models.Accepted(row)
	result.Junk = junk
	return result
}

// rowPrices keeps the parsed price triple together for the junk check; only
// the last price is persisted.
type rowPrices struct {
	last float64
	bid  float64
	ask  float64
}

func (v *Validator) buildRow(raw models.RawQuoteRow, index string, ectx models.ExpiryContext) (models.QuoteRow, rowPrices, string) {
	var prices rowPrices

	strike, err := strconv.ParseFloat(strings.TrimSpace(raw.Strike), 64)
	if err != nil || strike <= 0 {
		return models.QuoteRow{}, prices, fmt.Sprintf("strike %q must be a positive number", raw.Strike)
	}
	kind, ok := models.NormalizeKind(strings.TrimSpace(raw.Kind))
	if !ok {
		return models.QuoteRow{}, prices, fmt.Sprintf("unknown instrument type %q", raw.Kind)
	}
	if raw.Timestamp <= 0 {
		return models.QuoteRow{}, prices, "timestamp missing"
	}
	if strings.TrimSpace(raw.Expiry) == "" {
		return models.QuoteRow{}, prices, "expiry date missing"
	}

	if prices.last, err = parsePrice(raw.LastPrice); err != nil {
		return models.QuoteRow{}, prices, fmt.Sprintf("last_price %q is not numeric", raw.LastPrice)
	}
	if prices.bid, err = parsePrice(raw.BidPrice); err != nil {
		return models.QuoteRow{}, prices, fmt.Sprintf("bid_price %q is not numeric", raw.BidPrice)
	}
	if prices.ask, err = parsePrice(raw.AskPrice); err != nil {
		return models.QuoteRow{}, prices, fmt.Sprintf("ask_price %q is not numeric", raw.AskPrice)
	}

	row := models.QuoteRow{
		Index:      index,
		Strike:     strike,
		Kind:       kind,
		RawExpiry:  raw.Expiry,
		ExpiryDate: ectx.Date,
		ExpiryCode: ectx.Code,
		Timestamp:  time.UnixMilli(raw.Timestamp).In(ectx.Date.Location()),
		LastPrice:  prices.last,
		Volume:     raw.Volume,
		Underlying: raw.Underlying,
		Greeks:     raw.Greeks,
	}
	if raw.OpenInterest != nil {
		row.OpenInterest = *raw.OpenInterest
	}
	if ic, ok := v.cfg.Index(index); ok && raw.Underlying > 0 {
		row.StrikeOffset = ic.StrikeOffset(strike, raw.Underlying)
	}
	return row, prices, ""
}

func (v *Validator) classifyJunk(raw models.RawQuoteRow, prices rowPrices, now time.Time) models.JunkCategory {
	if prices.last == 0 && prices.bid == 0 && prices.ask == 0 {
		return models.JunkMissingPrices
	}
	if raw.OpenInterest == nil {
		return models.JunkMissingOI
	}
	threshold := v.cfg.Validator.StaleThreshold
	if threshold > 0 && raw.LastTradeTime > 0 {
		if now.Sub(time.UnixMilli(raw.LastTradeTime)) > threshold {
			return models.JunkStaleUpdate
		}
	}
	return models.JunkNone
}

// mixedExpiryDetail reports a non-empty diagnostic when the row's own expiry
// parses to a different date than the batch it was routed under. A fallback
// context was synthesized from an unparsable batch label, so rows under it
// are not judged against the synthetic date. Unparsable row expiries are a
// formatting defect, not a routing disagreement.
func mixedExpiryDetail(raw models.RawQuoteRow, ectx models.ExpiryContext) string {
	if ectx.Fallback {
		return ""
	}
	rowDate, err := expiry.ParseExpiryDate(raw.Expiry, ectx.Date.Location())
	if err != nil {
		return ""
	}
	if rowDate.Equal(ectx.Date) {
		return ""
	}
	return fmt.Sprintf("row expiry %s disagrees with batch expiry %s",
		rowDate.Format("2006-01-02"), ectx.Date.Format("2006-01-02"))
}

func (v *Validator) count(metric, index string, extra map[string]string) {
	labels := map[string]string{"component": "validator", "index": index}
	for k, val := range extra {
		labels[k] = val
	}
	v.tracker.Increment(metric, 1, labels)
}

func (v *Validator) evictionLoop() {
	defer v.wg.Done()

	interval := v.cfg.Validator.EvictionInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.ctx.Done():
			return
		case now := <-ticker.C:
			evicted := v.cache.Evict(now)
			live := v.cache.Len()
			v.tracker.SetGauge(metrics.MetricDuplicateCacheEntries, float64(live), map[string]string{
				"component": "validator",
			})
			if evicted > 0 {
				v.log.WithFields(logger.Fields{
					"evicted": evicted,
					"live":    live,
				}).Debug("duplicate cache evicted expired fingerprints")
			}
		}
	}
}

func parsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
