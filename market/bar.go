package market

import "time"

// Source identifies where a bar came from. Higher values win deduplication:
// a live-printed bar is never overwritten, a historical-API bar replaces a
// file-loaded one.
type Source int

const (
	SourceFile       Source = 1
	SourceHistorical Source = 2
	SourceLive       Source = 3
)

func (s Source) String() string {
	switch s {
	case SourceLive:
		return "LIVE"
	case SourceHistorical:
		return "HISTORICAL"
	case SourceFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// Bar is one one-minute OHLCV bar. Immutable once admitted to a buffer.
// OpenTime is the minute-aligned UTC open instant and is the dedup key.
type Bar struct {
	Instrument string    `json:"instrument"` // canonical, e.g. "ES"
	OpenTime   time.Time `json:"open_time_utc"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	Source     Source    `json:"source"`
}

// MinuteAligned reports whether the bar's open time sits exactly on a minute.
func (b Bar) MinuteAligned() bool {
	return b.OpenTime.Second() == 0 && b.OpenTime.Nanosecond() == 0
}
