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

// Package adc estimates the battery state from the cell voltage measured
// through a resistor divider.
package adc

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/analog"
)

// Source is anything that gives raw ADC samples, such as an analog.PinADC.
type Source interface {
	Read() (analog.Sample, error)
}

type Config struct {
	ReferenceVoltage float64
	Resolution       float64
	DividerRatio     float64
	MinVoltage       float64
	MaxVoltage       float64
}

func DefaultConfig() Config {
	return Config{
		ReferenceVoltage: 3.3,
		Resolution:       4095,
		DividerRatio:     0.319,
		MinVoltage:       3.0,
		MaxVoltage:       4.2,
	}
}

var ErrBadConfig = errors.New("invalid ADC config")

type Reading struct {
	Raw        int32
	Voltage    float64
	Percentage float64
}

type Estimator struct {
	source Source
	config Config
}

func New(source Source, config Config) (*Estimator, error) {
	if config.Resolution <= 0 || config.DividerRatio <= 0 || config.MaxVoltage <= config.MinVoltage {
		return nil, fmt.Errorf("%w: %+v", ErrBadConfig, config)
	}
	return &Estimator{source: source, config: config}, nil
}

// Sample takes one ADC reading and converts it to a battery voltage and a
// percentage mapped linearly between MinVoltage and MaxVoltage.
func (e *Estimator) Sample() (Reading, error) {
	s, err := e.source.Read()
	if err != nil {
		return Reading{}, fmt.Errorf("reading ADC: %w", err)
	}
	voltage := e.Voltage(s.Raw)
	return Reading{
		Raw:        s.Raw,
		Voltage:    voltage,
		Percentage: e.Percentage(voltage),
	}, nil
}

func (e *Estimator) Voltage(raw int32) float64 {
	pinVoltage := float64(raw) * e.config.ReferenceVoltage / e.config.Resolution
	return pinVoltage / e.config.DividerRatio
}

func (e *Estimator) Percentage(voltage float64) float64 {
	c := e.config
	pct := (voltage - c.MinVoltage) * 100 / (c.MaxVoltage - c.MinVoltage)
	return clamp(pct, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
