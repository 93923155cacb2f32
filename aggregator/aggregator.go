package aggregator

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
	"optionflow/writer"
)

// Aggregator keeps rolling per-(index, expiry) statistics fed by completed
// ingestion cycles and writes overview snapshots at most once per interval
// per key. It only ever sees fully-flushed cycle summaries, so it cannot
// observe a partially written file.
type Aggregator struct {
	cfg     *config.Config
	writer  *writer.FileWriter
	cal     *expiry.TradingCalendar
	tracker metrics.Tracker
	loc     *time.Location
	openMin int
	endMin  int
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry

	statesMu sync.Mutex
	states   map[stateKey]*keyState
}

type stateKey struct {
	Index string
	Code  models.ExpiryCode
}

// keyState is the rolling session state for one (index, expiry) pair.
// OI figures are levels, so each cycle replaces them; observed strikes
// accumulate across the session to drive coverage.
type keyState struct {
	mu          sync.Mutex
	sessionDate string
	underlying  float64
	putOI       int64
	callOI      int64
	strikes     map[float64]bool
	lastUpdate  time.Time

	prevClose    models.OptFloat
	lookbackDone bool

	dirty    bool
	lastEmit time.Time
}

func NewAggregator(cfg *config.Config, fw *writer.FileWriter, cal *expiry.TradingCalendar, tracker metrics.Tracker) *Aggregator {
	if tracker == nil {
		tracker = metrics.Nop()
	}
	log := logger.GetLogger().WithComponent("aggregator")

	loc, err := time.LoadLocation(cfg.Aggregator.Timezone)
	if err != nil {
		// Raw timestamps are the documented fallback; updates keep flowing.
		log.WithError(err).WithFields(logger.Fields{
			"timezone": cfg.Aggregator.Timezone,
		}).Warn("reference timezone unavailable, emitting raw timestamps")
		loc = nil
	}

	return &Aggregator{
		cfg:     cfg,
		writer:  fw,
		cal:     cal,
		tracker: tracker,
		loc:     loc,
		openMin: parseMinutes(cfg.Session.Open, 9*60+15),
		endMin:  parseMinutes(cfg.Session.Close, 15*60+30),
		wg:      &sync.WaitGroup{},
		log:     log,
		states:  make(map[stateKey]*keyState),
	}
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.log.WithFields(logger.Fields{
		"interval":          a.cfg.Aggregator.Interval.String(),
		"lookback_sessions": a.cfg.Aggregator.LookbackSessions,
	}).Info("starting aggregator")

	a.wg.Add(1)
	go a.emitLoop()
	return nil
}

// Stop emits whatever is still dirty and waits for the emit loop.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.Info("stopping aggregator")
	a.emitAll(time.Now(), true)
	a.wg.Wait()
	a.log.Info("aggregator stopped")
}

// Update folds one completed cycle into the rolling state. A summary from a
// new session date resets the key's session accumulation first.
func (a *Aggregator) Update(summary models.CycleSummary) {
	s := a.stateFor(stateKey{Index: summary.Index, Code: summary.ExpiryCode})
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionDate != summary.SessionDate {
		s.sessionDate = summary.SessionDate
		s.strikes = make(map[float64]bool)
		s.putOI = 0
		s.callOI = 0
		s.underlying = 0
		s.prevClose = models.OptFloat{}
		s.lookbackDone = false
	}

	if summary.Underlying > 0 {
		s.underlying = summary.Underlying
	}
	s.putOI = summary.PutOI
	s.callOI = summary.CallOI
	for _, strike := range summary.Strikes {
		s.strikes[strike] = true
	}
	s.lastUpdate = summary.Timestamp
	s.dirty = true
}

// MaybeEmit writes overview snapshots for every key that changed and whose
// last emission is at least one interval old. Returns the emission count.
func (a *Aggregator) MaybeEmit(now time.Time) int {
	return a.emitAll(now, false)
}

// ComputeCoverage compares the expected strike ladder against the strikes
// observed this session.
func (a *Aggregator) ComputeCoverage(expected, observed []float64) models.CoverageMask {
	return models.NewCoverageMask(expected, observed)
}

func (a *Aggregator) stateFor(key stateKey) *keyState {
	a.statesMu.Lock()
	defer a.statesMu.Unlock()
	s, ok := a.states[key]
	if !ok {
		s = &keyState{strikes: make(map[float64]bool)}
		a.states[key] = s
	}
	return s
}

func (a *Aggregator) keys() []stateKey {
	a.statesMu.Lock()
	defer a.statesMu.Unlock()
	keys := make([]stateKey, 0, len(a.states))
	for key := range a.states {
		keys = append(keys, key)
	}
	return keys
}

func (a *Aggregator) emitAll(now time.Time, final bool) int {
	interval := a.cfg.Aggregator.Interval
	emitted := 0
	closesWritten := make(map[string]bool)

	for _, key := range a.keys() {
		s := a.stateFor(key)
		s.mu.Lock()
		if !s.dirty || (!final && !s.lastEmit.IsZero() && now.Sub(s.lastEmit) < interval) {
			s.mu.Unlock()
			continue
		}
		snap, sessionDate, underlying := a.buildSnapshotLocked(key, s, now)
		s.dirty = false
		s.lastEmit = now
		s.mu.Unlock()

		target := a.writer.OverviewPath(key.Index, key.Code)
		if err := a.writer.WriteOverview(target, snap); err != nil {
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
			a.tracker.Increment(metrics.MetricFlushErrors, 1, map[string]string{
				"component": "aggregator",
				"index":     key.Index,
			})
			a.log.WithError(err).WithFields(logger.Fields{
				"target": target,
			}).Error("overview write failed")
			continue
		}
		emitted++
		logger.IncrementOverviewEmit()
		a.tracker.Increment(metrics.MetricOverviewEmits, 1, map[string]string{
			"component":   "aggregator",
			"index":       key.Index,
			"expiry_code": string(key.Code),
		})

		if underlying > 0 && sessionDate != "" && !closesWritten[key.Index] {
			closesWritten[key.Index] = true
			a.recordClose(key.Index, sessionDate, underlying, now)
		}
	}
	return emitted
}

// buildSnapshotLocked renders the current rolling state into a snapshot.
// The caller holds the state lock.
func (a *Aggregator) buildSnapshotLocked(key stateKey, s *keyState, now time.Time) (models.OverviewSnapshot, string, float64) {
	if !s.lookbackDone {
		s.prevClose = a.lookbackPrevClose(key.Index, s.sessionDate)
		s.lookbackDone = true
	}

	snap := models.OverviewSnapshot{
		Index:      key.Index,
		ExpiryCode: key.Code,
		PrevClose:  s.prevClose,
		LastUpdate: a.floorTimestamp(now),
	}
	if s.callOI > 0 {
		snap.PCR = float64(s.putOI) / float64(s.callOI)
	}
	snap.DayWidth = a.dayWidth(snap.LastUpdate)

	if ic, ok := a.cfg.Index(key.Index); ok && s.underlying > 0 {
		snap.ATMStrike = ic.ATMStrike(s.underlying)
		observed := make([]float64, 0, len(s.strikes))
		for strike := range s.strikes {
			observed = append(observed, strike)
		}
		mask := models.NewCoverageMask(ic.ExpectedStrikes(s.underlying), observed)
		snap.CoverageExpected, snap.CoverageCollected, snap.CoverageMissing = mask.Counts()
	}

	if s.prevClose.Valid && s.underlying > 0 && s.prevClose.Value != 0 {
		net := s.underlying - s.prevClose.Value
		snap.NetChange = models.Float(net)
		snap.PctChange = models.Float(net / s.prevClose.Value * 100)
	}
	return snap, s.sessionDate, s.underlying
}

// lookbackPrevClose walks back through prior trading sessions' close ledger
// entries. An exhausted walk yields the explicit no-data value, never zero.
func (a *Aggregator) lookbackPrevClose(index, sessionDate string) models.OptFloat {
	loc := a.loc
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation("2006-01-02", sessionDate, loc)
	if err != nil {
		a.recordGap(index, sessionDate)
		return models.OptFloat{}
	}

	for i := 0; i < a.cfg.Aggregator.LookbackSessions; i++ {
		day = a.cal.PrevTradingDay(day)
		target := a.writer.ClosePath(index, day.Format("2006-01-02"))
		if !a.writer.Exists(target) {
			continue
		}
		entry, err := a.writer.ReadClose(target)
		if err != nil {
			a.log.WithError(err).WithFields(logger.Fields{
				"target": target,
			}).Warn("unreadable close ledger entry skipped")
			continue
		}
		return models.Float(entry.Close)
	}

	a.recordGap(index, sessionDate)
	return models.OptFloat{}
}

func (a *Aggregator) recordGap(index, sessionDate string) {
	a.tracker.Increment(metrics.MetricAggregationGaps, 1, map[string]string{
		"component": "aggregator",
		"index":     index,
	})
	a.log.WithFields(logger.Fields{
		"index":        index,
		"session_date": sessionDate,
		"lookback":     a.cfg.Aggregator.LookbackSessions,
	}).Warn("no prior close within lookback, change fields emitted as no-data")
}

func (a *Aggregator) recordClose(index, sessionDate string, underlying float64, now time.Time) {
	entry := models.SessionClose{Date: sessionDate, Close: underlying, RecordedAt: now}
	if err := a.writer.WriteClose(a.writer.ClosePath(index, sessionDate), entry); err != nil {
		a.log.WithError(err).WithFields(logger.Fields{
			"index": index,
			"date":  sessionDate,
		}).Error("close ledger write failed")
	}
}

// floorTimestamp rounds now down to the interval boundary in the reference
// timezone. Without a usable timezone the raw timestamp is used as-is.
func (a *Aggregator) floorTimestamp(now time.Time) time.Time {
	interval := a.cfg.Aggregator.Interval
	if a.loc == nil || interval <= 0 {
		return now
	}
	return now.In(a.loc).Truncate(interval)
}

// dayWidth is the elapsed fraction of the trading session at ts, clamped to
// the unit interval.
func (a *Aggregator) dayWidth(ts time.Time) float64 {
	if a.loc != nil {
		ts = ts.In(a.loc)
	}
	minute := ts.Hour()*60 + ts.Minute()
	total := a.endMin - a.openMin
	if total <= 0 {
		return 0
	}
	frac := float64(minute-a.openMin) / float64(total)
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

func (a *Aggregator) emitLoop() {
	defer a.wg.Done()

	interval := a.cfg.Aggregator.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-ticker.C:
			a.MaybeEmit(now)
		}
	}
}

// parseMinutes converts an HH:MM session bound into minutes past midnight.
func parseMinutes(s string, fallback int) int {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return fallback
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return fallback
	}
	return hh*60 + mm
}
