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

// Package charging works out if the battery is charging from its voltage.
// There is no charge status line so a high voltage, or a rising voltage near
// full, is taken to mean charging. Leaving the charging state needs the voltage
// to drop below a lower threshold.
package charging

import (
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/jonboulle/clockwork"
)

const (
	historyLength = 5

	UpdateInterval   = 2000 * time.Millisecond
	ChargingVoltage  = 4.15
	RisingVoltage    = 4.05
	DischargeVoltage = 3.9
	RisingTrendVolts = 0.02
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

type Classifier struct {
	clock      clockwork.Clock
	history    [historyLength]float64
	index      int
	lastUpdate time.Time
	charging   bool
}

func New(clock clockwork.Clock) *Classifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Classifier{clock: clock}
}

// Update adds a voltage to the history and reclassifies. Updates less than
// UpdateInterval after the last accepted one are ignored. It returns the
// charging state and whether it changed.
func (c *Classifier) Update(voltage float64) (charging bool, changed bool) {
	now := c.clock.Now()
	if !c.lastUpdate.IsZero() && now.Sub(c.lastUpdate) < UpdateInterval {
		return c.charging, false
	}
	c.lastUpdate = now

	c.history[c.index] = voltage
	c.index = (c.index + 1) % historyLength

	// Slots are compared by position in the buffer, not by age.
	avgOld := (c.history[0] + c.history[1]) / 2
	avgNew := (c.history[3] + c.history[4]) / 2
	rising := avgNew > avgOld+RisingTrendVolts

	previous := c.charging
	switch {
	case voltage > ChargingVoltage, voltage > RisingVoltage && rising:
		c.charging = true
	case voltage < DischargeVoltage:
		c.charging = false
	}

	if c.charging != previous {
		if c.charging {
			log.Infof("Charging detected, voltage %.2fV", voltage)
		} else {
			log.Infof("Charging stopped, voltage %.2fV", voltage)
		}
	}
	return c.charging, c.charging != previous
}

func (c *Classifier) Charging() bool {
	return c.charging
}
