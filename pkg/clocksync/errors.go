package clocksync

import "errors"

var (
	ErrRoundInProgress = errors.New("a synchronization round is already running")
	ErrNoFollowers     = errors.New("no followers to synchronize")
)
