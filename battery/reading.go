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

package battery

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidReading = errors.New("invalid battery reading")

type Source int

const (
	SourceDefault Source = iota
	SourceFuelGauge
	SourceADC
)

func (s Source) String() string {
	switch s {
	case SourceFuelGauge:
		return "fuel gauge"
	case SourceADC:
		return "ADC"
	default:
		return "default"
	}
}

// Reading is a committed battery reading.
type Reading struct {
	Voltage    float64
	Percentage float64
	Source     Source
	Time       time.Time
}

type Health struct {
	Initialized       bool
	ConsecutiveErrors int
	InvalidReadings   int
}

// Status is a copy of the manager state taken at the end of a tick.
type Status struct {
	Reading
	Health
	Charging      bool
	Low           bool
	Critical      bool
	AlertsDropped uint64
}

// Band is an accepted range, exclusive for voltage and inclusive for
// percentage.
type Band struct {
	MinPercentage float64
	MaxPercentage float64
	MinVoltage    float64
	MaxVoltage    float64
}

var (
	StartupBand = Band{MinPercentage: 10, MaxPercentage: 95, MinVoltage: 3.0, MaxVoltage: 4.5}
	NormalBand  = Band{MinPercentage: 0, MaxPercentage: 100, MinVoltage: 2.5, MaxVoltage: 5.0}
)

func (b Band) check(percentage, voltage float64) error {
	if percentage < b.MinPercentage || percentage > b.MaxPercentage {
		return fmt.Errorf("%w: percentage %.1f%% outside [%.0f, %.0f]", ErrInvalidReading, percentage, b.MinPercentage, b.MaxPercentage)
	}
	if voltage <= b.MinVoltage || voltage >= b.MaxVoltage {
		return fmt.Errorf("%w: voltage %.3fV outside (%.1f, %.1f)", ErrInvalidReading, voltage, b.MinVoltage, b.MaxVoltage)
	}
	return nil
}

func clampPercentage(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
