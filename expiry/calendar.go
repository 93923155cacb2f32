package expiry

import (
	"strings"
	"time"

	"github.com/scmhub/calendar"

	"optionflow/logger"
)

// TradingCalendar answers business-day questions for the session market.
// When the configured MIC is unknown to the calendar library it degrades to
// a Monday-Friday approximation instead of failing startup.
type TradingCalendar struct {
	cal      *calendar.Calendar
	fallback bool
	loc      *time.Location
}

// NewTradingCalendar looks the MIC up in the holiday-calendar library.
// The location argument is only used by the Monday-Friday fallback; a
// resolved calendar carries its own exchange timezone.
func NewTradingCalendar(mic string, loc *time.Location) *TradingCalendar {
	cal := calendar.GetCalendar(strings.ToLower(mic))
	if cal == nil {
		logger.GetLogger().WithComponent("expiry").WithFields(logger.Fields{
			"mic": mic,
		}).Warn("unknown calendar MIC, using Monday-Friday fallback")
		if loc == nil {
			loc = time.UTC
		}
		return &TradingCalendar{fallback: true, loc: loc}
	}
	return &TradingCalendar{cal: cal, loc: cal.Loc}
}

func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// IsTradingDay reports whether date is a business day on this market.
func (tc *TradingCalendar) IsTradingDay(date time.Time) bool {
	date = date.In(tc.loc)
	if tc.fallback {
		wd := date.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return tc.cal.IsBusinessDay(date)
}

// PrevTradingDay steps back to the closest prior business day. The walk is
// bounded so a degenerate calendar cannot spin forever.
func (tc *TradingCalendar) PrevTradingDay(date time.Time) time.Time {
	d := date.AddDate(0, 0, -1)
	for i := 0; i < 30 && !tc.IsTradingDay(d); i++ {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
