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

package motion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TheCacophonyProject/tc2-power-controller/i2cbus"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMPU answers like an MPU6050 lying flat.
type fakeMPU struct {
	mu     sync.Mutex
	whoAmI byte
	fail   error
	txs    int
}

func (f *fakeMPU) Tx(addr uint16, w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs++
	if f.fail != nil {
		return f.fail
	}
	if len(w) == 0 {
		return nil
	}
	switch w[0] {
	case 0x75:
		r[0] = f.whoAmI
	case 0x3B:
		copy(r, []byte{0, 0, 0, 0, 0x40, 0})
	case 0x43:
		copy(r, []byte{0, 0x83, 0, 0, 0, 0})
	}
	return nil
}

func startScheduler(t *testing.T, bus *fakeMPU) *i2cbus.Scheduler {
	s := i2cbus.New(bus, 0)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)
	return s
}

func TestPoll(t *testing.T) {
	bus := &fakeMPU{whoAmI: 0x68}
	s := startScheduler(t, bus)
	clock := clockwork.NewFakeClock()
	p := New(s.Client("motion", time.Second), clock)

	_, ok := p.Latest()
	assert.False(t, ok)

	require.NoError(t, p.Poll())
	sample, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, [3]int32{0, 0, 1000000}, sample.Acceleration)
	assert.Equal(t, int32(131*15625/2048*1000), sample.Rotation[0])
	assert.Equal(t, clock.Now(), sample.Time)
	assert.Equal(t, Stats{Polls: 1}, p.Stats())
}

func TestPollSkipsWhileFuelGaugeHoldsBus(t *testing.T) {
	bus := &fakeMPU{whoAmI: 0x68}
	s := startScheduler(t, bus)
	gauge := s.Client("fuel-gauge", time.Second)
	p := New(s.Client("motion", time.Second), clockwork.NewFakeClock())

	require.NoError(t, gauge.Acquire())
	err := p.Poll()
	assert.ErrorIs(t, err, i2cbus.ErrBusBusy)
	assert.Equal(t, 0, bus.txs)
	assert.Equal(t, Stats{Skipped: 1}, p.Stats())

	gauge.Release()
	require.NoError(t, p.Poll())
	assert.Equal(t, 1, p.Stats().Polls)
}

func TestPollNotConnected(t *testing.T) {
	bus := &fakeMPU{whoAmI: 0x00}
	s := startScheduler(t, bus)
	p := New(s.Client("motion", time.Second), clockwork.NewFakeClock())

	assert.ErrorIs(t, p.Poll(), ErrNotConnected)
	assert.Equal(t, Stats{Failed: 1}, p.Stats())
}

func TestPollBusError(t *testing.T) {
	errNack := errors.New("nack")
	bus := &fakeMPU{whoAmI: 0x68}
	s := startScheduler(t, bus)
	p := New(s.Client("motion", time.Second), clockwork.NewFakeClock())
	require.NoError(t, p.Poll())

	bus.mu.Lock()
	bus.fail = errNack
	bus.mu.Unlock()
	assert.ErrorIs(t, p.Poll(), errNack)
	assert.Equal(t, 1, p.Stats().Failed)
	assert.False(t, p.connected)
}

func TestRunBacksOffAfterFailure(t *testing.T) {
	bus := &fakeMPU{whoAmI: 0x00}
	s := startScheduler(t, bus)
	clock := clockwork.NewFakeClock()
	p := New(s.Client("motion", time.Second), clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	clock.BlockUntil(1)
	assert.Equal(t, 1, p.Stats().Failed)
	clock.Advance(DefaultInterval)
	assert.Equal(t, 1, p.Stats().Failed)
	clock.Advance(DefaultBackoff - DefaultInterval)
	require.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
