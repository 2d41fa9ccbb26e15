// Package marketcal supplies exchange trading-hours and holiday-calendar
// logic: whether a market is open at a given instant, and when the next
// trading-day close occurs after a reference time (used to compute retry
// expiry).
package marketcal

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// TradingWindow is one open/close pair in a day, expressed in the exchange's
// local minutes-of-day.
type TradingWindow struct {
	OpenHour, OpenMinute   int
	CloseHour, CloseMinute int
}

// Calendar describes one exchange's trading calendar.
type Calendar struct {
	Code     string
	Name     string
	Location *time.Location
	Window   TradingWindow
	Holidays []time.Time // dates compared by year/month/day only
}

// Service resolves calendars by exchange code and answers open/close and
// next-trading-day-close questions against them.
type Service struct {
	calendars map[string]*Calendar
	log       zerolog.Logger
}

// New builds a Service with a default calendar for the given timezone/open/
// close/holiday configuration, used as the primary ("default") exchange.
func New(log zerolog.Logger, tz string, openHHMM, closeHHMM string, holidayDates []time.Time) (*Service, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("marketcal: invalid timezone %q: %w", tz, err)
	}
	window, err := parseWindow(openHHMM, closeHHMM)
	if err != nil {
		return nil, err
	}
	s := &Service{
		calendars: map[string]*Calendar{
			"DEFAULT": {
				Code:     "DEFAULT",
				Name:     "configured market",
				Location: loc,
				Window:   window,
				Holidays: holidayDates,
			},
		},
		log: log.With().Str("component", "marketcal").Logger(),
	}
	return s, nil
}

func parseWindow(openHHMM, closeHHMM string) (TradingWindow, error) {
	oh, om, err := splitHHMM(openHHMM)
	if err != nil {
		return TradingWindow{}, fmt.Errorf("marketcal: invalid market_open %q: %w", openHHMM, err)
	}
	ch, cm, err := splitHHMM(closeHHMM)
	if err != nil {
		return TradingWindow{}, fmt.Errorf("marketcal: invalid market_close %q: %w", closeHHMM, err)
	}
	return TradingWindow{OpenHour: oh, OpenMinute: om, CloseHour: ch, CloseMinute: cm}, nil
}

func splitHHMM(v string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("out of range")
	}
	return h, m, nil
}

// RegisterCalendar adds or replaces a named exchange calendar.
func (s *Service) RegisterCalendar(c *Calendar) {
	s.calendars[c.Code] = c
}

// Get returns the calendar for exchange, or the default calendar with a
// warning if the exchange is unknown.
func (s *Service) Get(exchange string) *Calendar {
	if c, ok := s.calendars[exchange]; ok {
		return c
	}
	s.log.Warn().Str("exchange", exchange).Msg("unknown exchange, falling back to default calendar")
	return s.calendars["DEFAULT"]
}

func (c *Calendar) isHoliday(t time.Time) bool {
	y, m, d := t.Date()
	for _, h := range c.Holidays {
		hy, hm, hd := h.Date()
		if hy == y && hm == m && hd == d {
			return true
		}
	}
	return false
}

func (c *Calendar) isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsOpen reports whether the market is open at instant t.
func (c *Calendar) IsOpen(t time.Time) bool {
	local := t.In(c.Location)
	if c.isWeekend(local) || c.isHoliday(local) {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	openMin := c.Window.OpenHour*60 + c.Window.OpenMinute
	closeMin := c.Window.CloseHour*60 + c.Window.CloseMinute
	return minutes >= openMin && minutes <= closeMin
}

// IsOpen resolves exchange's calendar and reports whether it is open at t.
func (s *Service) IsOpen(exchange string, t time.Time) bool {
	return s.Get(exchange).IsOpen(t)
}

// isTradingDay reports whether date (any time-of-day) falls on a trading day
// for this calendar.
func (c *Calendar) isTradingDay(date time.Time) bool {
	local := date.In(c.Location)
	return !c.isWeekend(local) && !c.isHoliday(local)
}

// marketCloseOn returns the calendar's close instant on the given date.
func (c *Calendar) marketCloseOn(date time.Time) time.Time {
	local := date.In(c.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), c.Window.CloseHour, c.Window.CloseMinute, 0, 0, c.Location)
}

// NextTradingDayClose returns the market close (15:30 local, by default) of
// the next trading day strictly after ref's calendar date, skipping weekends
// and configured holidays. This is the expiry boundary for the retry queue.
func (c *Calendar) NextTradingDayClose(ref time.Time) time.Time {
	local := ref.In(c.Location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location)
	for i := 1; i <= 14; i++ { // 14-day lookahead comfortably spans any holiday cluster
		candidate := day.AddDate(0, 0, i)
		if c.isTradingDay(candidate) {
			return c.marketCloseOn(candidate)
		}
	}
	// Unreachable for any realistic holiday calendar; fail open rather than
	// panic by falling back to a 7-day-later close.
	return c.marketCloseOn(day.AddDate(0, 0, 7))
}

// NextTradingDayClose resolves exchange's calendar and computes the expiry
// boundary relative to ref.
func (s *Service) NextTradingDayClose(exchange string, ref time.Time) time.Time {
	return s.Get(exchange).NextTradingDayClose(ref)
}

// SortedHolidays returns c's holidays sorted ascending, useful for display
// and for tests asserting calendar contents.
func (c *Calendar) SortedHolidays() []time.Time {
	out := make([]time.Time, len(c.Holidays))
	copy(out, c.Holidays)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
