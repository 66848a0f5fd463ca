/*
tc2-power-controller - Battery and power state manager
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package retry runs an operation a bounded number of times with a backoff
// between failed attempts.
package retry

import (
	"errors"
	"fmt"
	"time"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// Backoff returns how long to wait after the failed attempt (zero based).
	// A nil Backoff means no wait.
	Backoff func(attempt int, err error) time.Duration
	// Sleep is used for waiting between attempts. Defaults to time.Sleep.
	Sleep func(time.Duration)
	// OnFailure is called after every failed attempt, before any backoff.
	OnFailure func(attempt int, err error)
}

var ErrNoAttempts = errors.New("retry: policy allows no attempts")

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do stops retrying straight away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Constant returns a backoff that always waits d.
func Constant(d time.Duration) func(int, error) time.Duration {
	return func(int, error) time.Duration { return d }
}

// Do calls fn until it succeeds, returns a permanent error or the attempts
// run out. The error from the last attempt is returned.
func (p Policy) Do(fn func(attempt int) error) error {
	if p.MaxAttempts <= 0 {
		return ErrNoAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if p.OnFailure != nil {
			p.OnFailure(attempt, err)
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		if p.Backoff != nil {
			if d := p.Backoff(attempt, err); d > 0 {
				sleep(d)
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
}
