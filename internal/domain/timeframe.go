package domain

import "fmt"

// Timeframe is a bar interval identifier as carried on trade plans and bar
// close events ("1h", "4h", "1d", ...).
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeMs = map[Timeframe]int64{
	Timeframe1m:  60_000,
	Timeframe5m:  300_000,
	Timeframe15m: 900_000,
	Timeframe1h:  3_600_000,
	Timeframe4h:  14_400_000,
	Timeframe1d:  86_400_000,
}

// DurationMs returns the timeframe length in milliseconds, or an error for an
// unknown timeframe.
func (tf Timeframe) DurationMs() (int64, error) {
	ms, ok := timeframeMs[tf]
	if !ok {
		return 0, fmt.Errorf("domain: unknown timeframe %q", tf)
	}
	return ms, nil
}

// Rank orders timeframes for the position-mutex upgrade rule. Higher rank
// wins; unknown timeframes rank 0.
func (tf Timeframe) Rank() int {
	switch tf {
	case Timeframe1d:
		return 3
	case Timeframe4h:
		return 2
	case Timeframe1h:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the timeframe is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMs[tf]
	return ok
}
