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

package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestRaiseNeverBlocks(t *testing.T) {
	sig := NewSignal()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			sig.Raise()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Raise blocked")
	}
	assert.Equal(t, uint64(99), sig.Dropped())
	assert.True(t, sig.Take())
	assert.False(t, sig.Take())
}

func TestTakeWithoutRaise(t *testing.T) {
	assert.False(t, NewSignal().Take())
}

func TestWatchRaisesOnEdge(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO17", EdgesChan: make(chan gpio.Level)}
	sig := NewSignal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 1)
	go func() { errs <- Watch(ctx, pin, sig) }()

	// Configuring the pin flushes pending edges, so keep sending until one
	// gets through.
	require.Eventually(t, func() bool {
		select {
		case pin.EdgesChan <- gpio.Low:
		case <-time.After(10 * time.Millisecond):
		}
		return sig.Take()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, gpio.PullUp, pin.Pull())

	cancel()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not stop")
	}
}

type fakeStatus struct {
	values []uint16
	err    error
	reads  int
}

func (f *fakeStatus) ReadStatus() (uint16, error) {
	f.reads++
	if f.err != nil {
		return 0xFFFF, f.err
	}
	v := f.values[0]
	if len(f.values) > 1 {
		f.values = f.values[1:]
	}
	return v, nil
}

func TestHandle(t *testing.T) {
	tests := []struct {
		status     uint16
		low        bool
		socChanged bool
	}{
		{0x0000, false, false},
		{0x0010, true, false},
		{0x0020, false, true},
		{0x0030, true, true},
	}
	for _, test := range tests {
		r := &fakeStatus{values: []uint16{test.status, 0}}
		result, err := Handle(r)
		require.NoError(t, err)
		assert.Equal(t, test.low, result.Low, "status 0x%04x", test.status)
		assert.Equal(t, test.socChanged, result.SOCChanged, "status 0x%04x", test.status)
		assert.Equal(t, 2, r.reads)
	}
}

func TestHandleReadError(t *testing.T) {
	errRead := errors.New("bus down")
	r := &fakeStatus{err: errRead}
	_, err := Handle(r)
	assert.ErrorIs(t, err, errRead)
	assert.Equal(t, 1, r.reads)
}
