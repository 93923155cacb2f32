package expiry

import (
	"fmt"
	"sync"
	"time"

	"optionflow/config"
	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
)

// Resolver turns raw expiry strings into routing contexts and owns the
// per-session advisory state. It is safe for concurrent use across index
// workers; contexts themselves are values, so repair never mutates state
// another worker can observe mid-change.
type Resolver struct {
	cfg     *config.Config
	loc     *time.Location
	tracker metrics.Tracker
	log     *logger.Entry

	mu      sync.Mutex
	session string
	seen    map[string]map[models.ExpiryCode]bool
	advised map[string]bool
}

func NewResolver(cfg *config.Config, cal *TradingCalendar, tracker metrics.Tracker) *Resolver {
	if tracker == nil {
		tracker = metrics.Nop()
	}
	return &Resolver{
		cfg:     cfg,
		loc:     cal.Location(),
		tracker: tracker,
		log:     logger.GetLogger().WithComponent("expiry"),
		seen:    make(map[string]map[models.ExpiryCode]bool),
		advised: make(map[string]bool),
	}
}

// SessionDate is the civil date of t in the market timezone.
func (r *Resolver) SessionDate(t time.Time) string {
	return t.In(r.loc).Format("2006-01-02")
}

// Resolve parses and classifies one raw expiry string. An unparsable date
// falls back to the session date with the Fallback flag set so the row still
// flows; the defect is logged and counted, never fatal.
func (r *Resolver) Resolve(raw, index string, now time.Time) models.ExpiryContext {
	session := r.sessionDay(now)

	date, err := ParseExpiryDate(raw, r.loc)
	fallback := false
	if err != nil {
		date = session
		fallback = true
		r.log.WithError(err).WithFields(logger.Fields{
			"index":  index,
			"expiry": raw,
		}).Warn("unparsable expiry date, falling back to session date")
		r.tracker.Increment(metrics.MetricExpiryFallbacks, 1, map[string]string{
			"component": "expiry",
			"index":     index,
		})
	}

	ctx := models.ExpiryContext{
		Raw:           raw,
		Date:          date,
		Code:          r.classify(date, session),
		MonthlyAnchor: IsMonthlyAnchor(date),
		Fallback:      fallback,
	}
	r.markSeen(index, ctx.Code, r.SessionDate(now))
	return ctx
}

// Repair re-checks a context first classified this_week against the expiry
// date actually observed mid-session. A date beyond the weekly horizon, for
// example after a holiday shift moved the contract, yields a corrected
// next_week context. The caller rekeys its buffers and rewrites buffered
// rows so routing stays consistent.
func (r *Resolver) Repair(ctx models.ExpiryContext, index string, observed, now time.Time) (models.ExpiryContext, bool) {
	if ctx.Code != models.ExpiryThisWeek {
		return ctx, false
	}
	session := r.sessionDay(now)
	date := dateOnly(observed, r.loc)
	if daysBetween(session, date) <= r.cfg.Expiry.WeeklyHorizonDays {
		return ctx, false
	}

	corrected := ctx
	corrected.Date = date
	corrected.Code = models.ExpiryNextWeek
	corrected.MonthlyAnchor = IsMonthlyAnchor(date)
	corrected.Corrected = true
	r.markSeen(index, corrected.Code, r.SessionDate(now))

	r.log.WithFields(logger.Fields{
		"index":    index,
		"expiry":   ctx.Raw,
		"old_code": string(ctx.Code),
		"new_code": string(corrected.Code),
		"observed": date.Format("2006-01-02"),
	}).Warn("expiry reclassified after mid-session distance check")
	r.tracker.Increment(metrics.MetricExpiryRepairs, 1, map[string]string{
		"component": "expiry",
		"from":      string(ctx.Code),
		"to":        string(corrected.Code),
	})
	return corrected, true
}

// EmitAdvisories reports configured expiries that never appeared this
// session. Safe to call repeatedly; each absence is advised at most once
// per session. Called on session roll and on shutdown.
func (r *Resolver) EmitAdvisories() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitAdvisoriesLocked()
}

func (r *Resolver) classify(date, session time.Time) models.ExpiryCode {
	days := daysBetween(session, date)
	switch {
	case days <= r.cfg.Expiry.WeeklyHorizonDays:
		return models.ExpiryThisWeek
	case days <= r.cfg.Expiry.NextWeekHorizonDays:
		return models.ExpiryNextWeek
	case date.Year() == session.Year() && date.Month() == session.Month():
		return models.ExpiryThisMonth
	default:
		return models.ExpiryNextMonth
	}
}

func (r *Resolver) sessionDay(now time.Time) time.Time {
	return dateOnly(now, r.loc)
}

func (r *Resolver) markSeen(index string, code models.ExpiryCode, session string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session != r.session {
		r.emitAdvisoriesLocked()
		r.session = session
		r.seen = make(map[string]map[models.ExpiryCode]bool)
		r.advised = make(map[string]bool)
	}
	codes, ok := r.seen[index]
	if !ok {
		codes = make(map[models.ExpiryCode]bool)
		r.seen[index] = codes
	}
	codes[code] = true
}

func (r *Resolver) emitAdvisoriesLocked() {
	if r.session == "" {
		return
	}
	for _, ic := range r.cfg.Indices {
		for _, expected := range ic.ExpectedExpiries {
			code := models.ExpiryCode(expected)
			if r.seen[ic.Name][code] {
				continue
			}
			key := fmt.Sprintf("%s|%s", ic.Name, code)
			if r.advised[key] {
				continue
			}
			r.advised[key] = true
			r.log.WithFields(logger.Fields{
				"index":        ic.Name,
				"expiry_code":  string(code),
				"session_date": r.session,
			}).Warn("configured expiry never appeared this session")
			r.tracker.Increment(metrics.MetricExpiryAdvisories, 1, map[string]string{
				"component":   "expiry",
				"index":       ic.Name,
				"expiry_code": string(code),
			})
		}
	}
}

func dateOnly(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}
