package pool

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a connect for the same identity is already in
// flight. The caller should not retry immediately; the winning attempt's
// outcome will be visible through the pool.
var ErrBusy = errors.New("connect already in progress")

// ErrNoCredential means the identity's session artifact is missing or fails
// structural validation. Configuration-level: surfaced before any network
// work starts.
var ErrNoCredential = errors.New("session artifact missing or invalid")

// DeferredError reports a flood wait received during connect. The wait has
// already been recorded with the controller; the connect is not retried.
type DeferredError struct {
	Seconds int
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("connect deferred: flood wait %ds", e.Seconds)
}
