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

// Package motion polls the MPU6050 that shares the I2C bus with the fuel
// gauge. A poll is skipped while the fuel gauge is holding the bus.
package motion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/TheCacophonyProject/tc2-power-controller/i2cbus"
	"github.com/jonboulle/clockwork"
	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/mpu6050"
)

const (
	DefaultInterval = 50 * time.Millisecond
	DefaultBackoff  = 500 * time.Millisecond
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

var ErrNotConnected = errors.New("MPU6050 not found")

// Bus is a bus handle that can tell when another client holds the bus. An
// *i2cbus.Client satisfies it.
type Bus interface {
	drivers.I2C
	Busy() bool
}

// Sample holds acceleration in µg and rotation in µ°/s.
type Sample struct {
	Acceleration [3]int32
	Rotation     [3]int32
	Time         time.Time
}

type Stats struct {
	Polls   int
	Skipped int
	Failed  int
}

// errRecorder keeps the first error from the bus, as the mpu6050 driver
// drops read errors.
type errRecorder struct {
	bus drivers.I2C
	err error
}

func (r *errRecorder) Tx(addr uint16, w, rd []byte) error {
	err := r.bus.Tx(addr, w, rd)
	if err != nil && r.err == nil {
		r.err = err
	}
	return err
}

type Poller struct {
	bus       Bus
	recorder  *errRecorder
	dev       mpu6050.Device
	clock     clockwork.Clock
	interval  time.Duration
	backoff   time.Duration
	connected bool

	mu     sync.Mutex
	latest Sample
	valid  bool
	stats  Stats
}

func New(bus Bus, clock clockwork.Clock) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	recorder := &errRecorder{bus: bus}
	return &Poller{
		bus:      bus,
		recorder: recorder,
		dev:      mpu6050.New(recorder),
		clock:    clock,
		interval: DefaultInterval,
		backoff:  DefaultBackoff,
	}
}

// Poll reads the sensor once. It returns i2cbus.ErrBusBusy without touching
// the bus if another client is holding it.
func (p *Poller) Poll() error {
	if p.bus.Busy() {
		p.count(func(s *Stats) { s.Skipped++ })
		return i2cbus.ErrBusBusy
	}

	if !p.connected {
		p.recorder.err = nil
		if !p.dev.Connected() {
			return p.failed(ErrNotConnected)
		}
		if err := p.dev.Configure(); err != nil {
			return p.failed(err)
		}
		log.Info("Found MPU6050")
		p.connected = true
	}

	p.recorder.err = nil
	var sample Sample
	sample.Acceleration[0], sample.Acceleration[1], sample.Acceleration[2] = p.dev.ReadAcceleration()
	sample.Rotation[0], sample.Rotation[1], sample.Rotation[2] = p.dev.ReadRotation()
	if p.recorder.err != nil {
		return p.failed(p.recorder.err)
	}
	sample.Time = p.clock.Now()

	p.mu.Lock()
	p.latest = sample
	p.valid = true
	p.stats.Polls++
	p.mu.Unlock()
	return nil
}

func (p *Poller) failed(err error) error {
	if p.recorder.err != nil && errors.Is(p.recorder.err, i2cbus.ErrBusBusy) {
		p.count(func(s *Stats) { s.Skipped++ })
		return i2cbus.ErrBusBusy
	}
	p.count(func(s *Stats) { s.Failed++ })
	p.connected = false
	return err
}

func (p *Poller) count(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

// Run polls until ctx is done, backing off after a failed poll.
func (p *Poller) Run(ctx context.Context) error {
	for {
		wait := p.interval
		if err := p.Poll(); err != nil && !errors.Is(err, i2cbus.ErrBusBusy) {
			log.Debugf("MPU6050 poll failed: %v", err)
			wait = p.backoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(wait):
		}
	}
}

// Latest returns the last good sample and whether there has been one.
func (p *Poller) Latest() (Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.valid
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
