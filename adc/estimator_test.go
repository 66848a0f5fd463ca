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

package adc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/analog"
)

type fakeSource struct {
	raw int32
	err error
}

func (f fakeSource) Read() (analog.Sample, error) {
	return analog.Sample{Raw: f.raw}, f.err
}

// rawFor returns the ADC code that a battery voltage produces.
func rawFor(voltage float64) int32 {
	c := DefaultConfig()
	return int32(voltage*c.DividerRatio*c.Resolution/c.ReferenceVoltage + 0.5)
}

func TestSample(t *testing.T) {
	tests := []struct {
		voltage float64
		percent float64
	}{
		{3.0, 0},
		{3.6, 50},
		{4.2, 100},
		{2.5, 0},
		{4.6, 100},
	}
	for _, test := range tests {
		e, err := New(fakeSource{raw: rawFor(test.voltage)}, DefaultConfig())
		require.NoError(t, err)
		r, err := e.Sample()
		require.NoError(t, err)
		assert.InDelta(t, test.voltage, r.Voltage, 0.01, "voltage %v", test.voltage)
		assert.InDelta(t, test.percent, r.Percentage, 1, "voltage %v", test.voltage)
		assert.GreaterOrEqual(t, r.Percentage, 0.0)
		assert.LessOrEqual(t, r.Percentage, 100.0)
	}
}

func TestSampleError(t *testing.T) {
	errRead := errors.New("adc read failed")
	e, err := New(fakeSource{err: errRead}, DefaultConfig())
	require.NoError(t, err)
	_, err = e.Sample()
	assert.ErrorIs(t, err, errRead)
}

func TestBadConfig(t *testing.T) {
	c := DefaultConfig()
	c.DividerRatio = 0
	_, err := New(fakeSource{}, c)
	assert.ErrorIs(t, err, ErrBadConfig)

	c = DefaultConfig()
	c.MaxVoltage = c.MinVoltage
	_, err = New(fakeSource{}, c)
	assert.ErrorIs(t, err, ErrBadConfig)
}
