package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestSucceedsFirstAttempt(t *testing.T) {
	var slept []time.Duration
	p := Policy{
		MaxAttempts: 3,
		Backoff:     Constant(50 * time.Millisecond),
		Sleep:       func(d time.Duration) { slept = append(slept, d) },
	}
	calls := 0
	err := p.Do(func(int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)
}

func TestRetriesUntilSuccess(t *testing.T) {
	var slept []time.Duration
	failures := 0
	p := Policy{
		MaxAttempts: 3,
		Backoff:     Constant(50 * time.Millisecond),
		Sleep:       func(d time.Duration) { slept = append(slept, d) },
		OnFailure:   func(int, error) { failures++ },
	}
	err := p.Do(func(attempt int) error {
		if attempt < 2 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, failures)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 50 * time.Millisecond}, slept)
}

func TestNoSleepAfterLastAttempt(t *testing.T) {
	var slept []time.Duration
	p := Policy{
		MaxAttempts: 3,
		Backoff: func(attempt int, err error) time.Duration {
			return time.Duration(attempt+1) * 10 * time.Millisecond
		},
		Sleep: func(d time.Duration) { slept = append(slept, d) },
	}
	calls := 0
	err := p.Do(func(int) error {
		calls++
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
}

func TestPermanentStopsRetrying(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 5, Sleep: func(time.Duration) {}}
	err := p.Do(func(int) error {
		calls++
		return Permanent(errFlaky)
	})
	assert.Equal(t, errFlaky, err)
	assert.Equal(t, 1, calls)
}

func TestNoAttempts(t *testing.T) {
	err := Policy{}.Do(func(int) error { return nil })
	assert.Equal(t, ErrNoAttempts, err)
}
