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

import "fmt"

// Status returns the state as of the last tick.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) Voltage() float64 {
	return m.Status().Voltage
}

func (m *Manager) Percentage() float64 {
	return m.Status().Percentage
}

func (m *Manager) IsCharging() bool {
	return m.Status().Charging
}

func (m *Manager) IsLowBattery() bool {
	return m.Status().Low
}

func (m *Manager) IsCriticalBattery() bool {
	return m.Status().Critical
}

func (m *Manager) IsFuelGaugeWorking() bool {
	return m.Status().Initialized
}

// ForceHardwareReset pulses the fuel gauge reset line. The gauge loses what it
// has learned about the battery so this should only be done by hand.
func (m *Manager) ForceHardwareReset() error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	if m.gauge == nil {
		return ErrNoFuelGauge
	}
	if err := m.gauge.HardwareReset(); err != nil {
		return fmt.Errorf("resetting fuel gauge: %w", err)
	}
	m.invalidCount = 0
	m.event(m.clock.Now(), "fuelGaugeReset", nil)
	return nil
}

// QuickStart resets the fuel gauge and restarts its estimate from the current
// cell voltage.
func (m *Manager) QuickStart() error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	if m.gauge == nil {
		return ErrNoFuelGauge
	}
	if err := m.gauge.QuickStart(); err != nil {
		return fmt.Errorf("fuel gauge quick start: %w", err)
	}
	m.invalidCount = 0
	m.event(m.clock.Now(), "fuelGaugeQuickStart", nil)
	return nil
}

func (m *Manager) SetLowBatteryThreshold(percent float64) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	if m.gauge == nil {
		return ErrNoFuelGauge
	}
	return m.gauge.SetLowBatteryThreshold(percent)
}
