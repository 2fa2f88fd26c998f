package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate")
	ErrRateLimited  = errors.New("rate limited")
	ErrKillSwitch   = errors.New("kill switch engaged")
	ErrHalted       = errors.New("trading halted")
	ErrInvalidPlan  = errors.New("invalid trade plan")
	ErrZeroQty      = errors.New("sized quantity is zero")
	ErrVenueReject  = errors.New("venue rejected request")
	ErrEntryFailed  = errors.New("entry could not be filled")
	ErrWSDisconnect = errors.New("websocket disconnected")
	ErrLockHeld     = errors.New("lock already held")
	ErrStale        = errors.New("stale data")
)
