package timeservice

import (
	"fmt"
	"time"
)

// TimeService converts between UTC and the single configured market timezone.
// All slot and session wall times in the timetable are expressed in this
// timezone; everything internal runs on UTC instants.
type TimeService struct {
	loc *time.Location
}

// New loads the market timezone, e.g. "America/Chicago".
func New(tzName string) (*TimeService, error) {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("load market timezone %q: %w", tzName, err)
	}
	return &TimeService{loc: loc}, nil
}

// Location returns the market location.
func (s *TimeService) Location() *time.Location {
	return s.loc
}

// ResolveLocal resolves a wall time ("07:30") on a trading date ("2026-03-09")
// to the corresponding UTC instant. DST shifts are handled by the location:
// the same wall time maps to different UTC offsets across the spring/fall
// boundaries.
func (s *TimeService) ResolveLocal(tradingDate, wallHHMM string) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", tradingDate, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse trading date %q: %w", tradingDate, err)
	}
	w, err := time.Parse("15:04", wallHHMM)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse wall time %q: %w", wallHHMM, err)
	}
	local := time.Date(d.Year(), d.Month(), d.Day(), w.Hour(), w.Minute(), 0, 0, s.loc)
	return local.UTC(), nil
}

// ToLocal converts a UTC instant to market wall time.
func (s *TimeService) ToLocal(t time.Time) time.Time {
	return t.In(s.loc)
}

// TradingDate returns the market-local calendar date (YYYY-MM-DD) containing t.
func (s *TimeService) TradingDate(t time.Time) string {
	return t.In(s.loc).Format("2006-01-02")
}
