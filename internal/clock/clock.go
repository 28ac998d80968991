// Package clock provides the monotonic time source the scheduler core
// reads from, so tests can inject a fake clock instead of depending on
// wall time.
package clock

import "time"

// Clock abstracts time.Now so the Manager/Dispatcher/reaper can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by the system wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// New returns the production clock.
func New() Clock { return Real{} }
