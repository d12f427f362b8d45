package tracer

import "fmt"

// Unsupported reports a construct tracing cannot handle at all, as
// opposed to one it survives by falling back to native execution. The
// guest program has to change, so this surfaces as a hard error rather
// than a degraded outcome.
type Unsupported struct {
	Reason string
	Err    error
}

func (u *Unsupported) Error() string {
	if u.Err != nil {
		return fmt.Sprintf("unsupported for tracing: %s: %v", u.Reason, u.Err)
	}
	return fmt.Sprintf("unsupported for tracing: %s", u.Reason)
}

func (u *Unsupported) Unwrap() error { return u.Err }
