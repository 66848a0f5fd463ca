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

// Package alert handles the fuel gauge ALRT line. Edges on the line raise a
// Signal, and the battery manager services it on its next tick by reading
// the status register.
package alert

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/TheCacophonyProject/tc2-power-controller/fuelgauge"
	"periph.io/x/conn/v3/gpio"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

// Signal holds at most one pending alert.
type Signal struct {
	ch      chan struct{}
	dropped atomic.Uint64
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Raise marks an alert as pending. It never blocks. A raise while one is
// already pending is dropped and counted.
func (s *Signal) Raise() {
	select {
	case s.ch <- struct{}{}:
	default:
		s.dropped.Add(1)
	}
}

// Take consumes the pending alert, if there is one.
func (s *Signal) Take() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *Signal) Dropped() uint64 {
	return s.dropped.Load()
}

// Watch raises sig on every falling edge of the open drain ALRT pin until ctx
// is done.
func Watch(ctx context.Context, pin gpio.PinIn, sig *Signal) error {
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return fmt.Errorf("configuring alert pin %s: %w", pin, err)
	}
	log.Debugf("Watching alert pin %s", pin)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if pin.WaitForEdge(time.Second) {
			log.Debug("Alert pin edge")
			sig.Raise()
		}
	}
}

// StatusReader reads the fuel gauge status register.
type StatusReader interface {
	ReadStatus() (uint16, error)
}

type Result struct {
	Status     uint16
	Low        bool
	SOCChanged bool
}

// Handle reads the status register once, decodes the alert bits and then reads
// it again to clear the latch on the device.
func Handle(r StatusReader) (Result, error) {
	status, err := r.ReadStatus()
	if err != nil {
		return Result{}, fmt.Errorf("reading alert status: %w", err)
	}
	result := Result{
		Status:     status,
		SOCChanged: status&fuelgauge.StatusSOCChange != 0,
		Low:        status&fuelgauge.StatusSOCLow != 0,
	}
	if result.SOCChanged {
		log.Debug("Fuel gauge SOC change alert")
	}
	if result.Low {
		log.Warn("Fuel gauge low SOC alert")
	}
	if _, err := r.ReadStatus(); err != nil {
		log.Debugf("Clearing alert status failed: %v", err)
	}
	return result, nil
}
