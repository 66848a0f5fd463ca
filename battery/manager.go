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

// Package battery keeps track of the battery state. Readings come from the fuel
// gauge when it is working and from the ADC when it is not. Fuel gauge readings
// are checked against a range that is narrower just after startup, and a run
// of bad readings falls back to the ADC for a tick.
package battery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/TheCacophonyProject/tc2-power-controller/adc"
	"github.com/TheCacophonyProject/tc2-power-controller/alert"
	"github.com/TheCacophonyProject/tc2-power-controller/charging"
	"github.com/TheCacophonyProject/tc2-power-controller/fuelgauge"
	"github.com/jonboulle/clockwork"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

var ErrNoFuelGauge = errors.New("no fuel gauge")

// FuelGauge is the part of *fuelgauge.Device the manager uses.
type FuelGauge interface {
	ReadSOC() (float64, error)
	ReadVoltage() (float64, error)
	ReadStatus() (uint16, error)
	Probe(attempts int, interval time.Duration) (uint16, error)
	SetLowBatteryThreshold(percent float64) error
	HardwareReset() error
	QuickStart() error
	Health() fuelgauge.Health
}

// Fallback estimates the battery state without the fuel gauge.
type Fallback interface {
	Sample() (adc.Reading, error)
}

type Config struct {
	Interval          time.Duration
	StartupWindow     time.Duration
	ProbeInterval     time.Duration
	StatusLogInterval time.Duration
	ProbeAttempts     int
	ProbeDelay        time.Duration
	AlertThreshold    float64
	LowPercentage     float64
	EmergencyVoltage  float64
	InvalidLimit      int
	DiagnosticLimit   int
}

func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		StartupWindow:     30 * time.Second,
		ProbeInterval:     time.Minute,
		StatusLogInterval: time.Minute,
		ProbeAttempts:     5,
		ProbeDelay:        200 * time.Millisecond,
		AlertThreshold:    10,
		LowPercentage:     15,
		EmergencyVoltage:  2.8,
		InvalidLimit:      5,
		DiagnosticLimit:   3,
	}
}

type Manager struct {
	config      Config
	gauge       FuelGauge
	fallback    Fallback
	classifier  *charging.Classifier
	alerts      *alert.Signal
	clock       clockwork.Clock
	start       time.Time
	reportEvent func(eventclient.Event) error
	listeners   []func(Status)

	// Held for a whole tick and for operator actions.
	tickMu        sync.Mutex
	lastTick      time.Time
	lastProbe     time.Time
	lastStatusLog time.Time
	reading       Reading
	initialized   bool
	invalidCount  int
	charging      bool
	alertLow      bool
	low           bool
	critical      bool

	mu     sync.RWMutex
	status Status
}

// New returns a manager. gauge may be nil when there is no fuel gauge, in
// which case only the fallback is used. alerts may be nil.
func New(config Config, gauge FuelGauge, fallback Fallback, alerts *alert.Signal, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	m := &Manager{
		config:      config,
		gauge:       gauge,
		fallback:    fallback,
		classifier:  charging.New(clock),
		alerts:      alerts,
		clock:       clock,
		start:       now,
		reportEvent: eventclient.AddEvent,
		reading:     Reading{Voltage: 3.7, Percentage: 75, Source: SourceDefault, Time: now},
		initialized: gauge != nil,
		lastProbe:   now,
	}
	m.publish()
	return m
}

// OnTick registers fn to be called with the status after every tick.
func (m *Manager) OnTick(fn func(Status)) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Init looks for the fuel gauge and sets its alert threshold. If it can't be
// found the manager starts on the fallback.
func (m *Manager) Init() error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	defer m.publish()

	if m.gauge == nil {
		m.initialized = false
		return ErrNoFuelGauge
	}
	if _, err := m.gauge.Probe(m.config.ProbeAttempts, m.config.ProbeDelay); err != nil {
		m.degrade(m.clock.Now(), err)
		return err
	}
	if err := m.gauge.SetLowBatteryThreshold(m.config.AlertThreshold); err != nil {
		log.Errorf("Failed to set fuel gauge alert threshold: %v", err)
	}
	m.initialized = true
	return nil
}

// Run ticks every Interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.Tick()
	ticker := m.clock.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			m.tickMu.Lock()
			m.tick(m.clock.Now())
			m.tickMu.Unlock()
		}
	}
}

// Tick updates the battery state. It does nothing if the last tick was less
// than Interval ago. It reports whether a tick ran.
func (m *Manager) Tick() bool {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	now := m.clock.Now()
	if !m.lastTick.IsZero() && now.Sub(m.lastTick) < m.config.Interval {
		return false
	}
	m.tick(now)
	return true
}

func (m *Manager) tick(now time.Time) {
	m.lastTick = now
	if m.initialized {
		m.readFuelGauge(now)
	} else {
		m.degradedTick(now)
	}

	m.charging, _ = m.classifier.Update(m.reading.Voltage)
	alerted := false
	// A raise stays pending while degraded and is serviced after recovery.
	if m.initialized && m.alerts != nil && m.alerts.Take() {
		alerted = m.serviceAlert()
	}
	m.updateLow(now, alerted)
	m.updateCritical(now)
	m.logStatus(now)

	status := m.publish()
	for _, fn := range m.listeners {
		fn(status)
	}
}

func (m *Manager) uptime(now time.Time) time.Duration {
	return now.Sub(m.start)
}

// readGauge reads SOC then voltage. Both reads are always attempted.
func (m *Manager) readGauge() (pct, voltage float64, err error) {
	pct, errSOC := m.gauge.ReadSOC()
	voltage, errV := m.gauge.ReadVoltage()
	if err := errors.Join(errSOC, errV); err != nil {
		return pct, voltage, fmt.Errorf("%w: %w", ErrInvalidReading, err)
	}
	return pct, voltage, nil
}

func (m *Manager) band(now time.Time) Band {
	if m.uptime(now) < m.config.StartupWindow {
		return StartupBand
	}
	return NormalBand
}

func (m *Manager) readFuelGauge(now time.Time) {
	pct, voltage, err := m.readGauge()
	if err == nil {
		err = m.band(now).check(pct, voltage)
	}
	if err == nil {
		m.commit(Reading{Voltage: voltage, Percentage: clampPercentage(pct), Source: SourceFuelGauge, Time: now})
		m.invalidCount = 0
		return
	}

	m.invalidCount++
	log.Warnf("Rejected fuel gauge reading (%d in a row): %v", m.invalidCount, err)

	startup := m.uptime(now) < m.config.StartupWindow
	if startup && m.invalidCount > m.config.DiagnosticLimit && pct < 5 && voltage > 3.0 {
		log.Errorf("Fuel gauge reports %.1f%% at %.2fV, its learned data may be corrupt. A quick start or reset may be needed.", pct, voltage)
		m.event(now, "fuelGaugeCorruptData", map[string]interface{}{
			"percent": pct,
			"voltage": voltage,
		})
		m.invalidCount = 0
	}
	if m.invalidCount > m.config.InvalidLimit {
		log.Warn("Too many invalid fuel gauge readings, using ADC for this reading")
		m.sampleFallback(now)
		m.invalidCount = 0
	}

	if errors.Is(err, fuelgauge.ErrDeviceFault) {
		m.degrade(now, err)
	}
}

// degradedTick uses the fallback, but tries the fuel gauge again every
// ProbeInterval so it can recover.
func (m *Manager) degradedTick(now time.Time) {
	if m.gauge != nil && now.Sub(m.lastProbe) >= m.config.ProbeInterval {
		m.lastProbe = now
		pct, voltage, err := m.readGauge()
		if err == nil {
			err = m.band(now).check(pct, voltage)
		}
		if err == nil {
			m.commit(Reading{Voltage: voltage, Percentage: clampPercentage(pct), Source: SourceFuelGauge, Time: now})
			m.invalidCount = 0
			m.initialized = true
			log.Info("Fuel gauge working again")
			m.event(now, "fuelGaugeRecovered", nil)
			return
		}
		log.Debugf("Fuel gauge probe failed: %v", err)
	}
	m.sampleFallback(now)
}

func (m *Manager) degrade(now time.Time, err error) {
	if !m.initialized {
		return
	}
	m.initialized = false
	m.lastProbe = now
	log.Errorf("Fuel gauge not working, using ADC: %v", err)
	m.event(now, "fuelGaugeFault", map[string]interface{}{
		"error": err.Error(),
	})
}

func (m *Manager) sampleFallback(now time.Time) {
	if m.fallback == nil {
		log.Debug("No ADC fallback configured")
		return
	}
	r, err := m.fallback.Sample()
	if err != nil {
		log.Errorf("ADC fallback failed: %v", err)
		return
	}
	m.commit(Reading{Voltage: r.Voltage, Percentage: clampPercentage(r.Percentage), Source: SourceADC, Time: now})
}

func (m *Manager) commit(r Reading) {
	log.Debugf("Battery reading %.1f%% %.3fV from %s", r.Percentage, r.Voltage, r.Source)
	m.reading = r
}

// serviceAlert reads the alert status and reports whether it was handled.
func (m *Manager) serviceAlert() bool {
	result, err := alert.Handle(m.gauge)
	if err != nil {
		log.Errorf("Failed to handle fuel gauge alert: %v", err)
		return false
	}
	m.alertLow = result.Low
	return true
}

// updateLow recomputes the low flag. A low SOC alert holds the flag until a
// later tick commits a percentage at or above LowPercentage.
func (m *Manager) updateLow(now time.Time, alerted bool) {
	if m.alertLow && !alerted && m.reading.Percentage >= m.config.LowPercentage {
		m.alertLow = false
	}
	low := false
	if m.charging {
		m.alertLow = false
	} else {
		low = m.reading.Percentage < m.config.LowPercentage || m.alertLow
	}
	if low && !m.low {
		log.Warnf("Low battery: %.1f%% (%.2fV)", m.reading.Percentage, m.reading.Voltage)
		m.event(now, "lowBattery", m.readingDetails())
	}
	m.low = low
}

func (m *Manager) updateCritical(now time.Time) {
	critical := m.reading.Voltage < m.config.EmergencyVoltage
	if critical != m.critical {
		if critical {
			log.Errorf("Battery voltage critical: %.2fV", m.reading.Voltage)
			m.event(now, "criticalBattery", m.readingDetails())
		} else {
			log.Infof("Battery voltage no longer critical: %.2fV", m.reading.Voltage)
		}
	}
	m.critical = critical
}

func (m *Manager) logStatus(now time.Time) {
	if !m.lastStatusLog.IsZero() && now.Sub(m.lastStatusLog) < m.config.StatusLogInterval {
		return
	}
	m.lastStatusLog = now
	r := m.reading
	if r.Source == SourceADC {
		log.Warnf("Battery status: %.1f%% (%.2fV) from ADC fallback", r.Percentage, r.Voltage)
		return
	}
	log.Infof("Battery status: %.1f%% (%.2fV) from %s, charging: %t", r.Percentage, r.Voltage, r.Source, m.charging)
}

func (m *Manager) readingDetails() map[string]interface{} {
	return map[string]interface{}{
		"percent": m.reading.Percentage,
		"voltage": m.reading.Voltage,
		"source":  m.reading.Source.String(),
	}
}

func (m *Manager) event(now time.Time, eventType string, details map[string]interface{}) {
	event := eventclient.Event{
		Timestamp: now,
		Type:      eventType,
		Details:   details,
	}
	if err := m.reportEvent(event); err != nil {
		log.Errorf("Error sending %s event: %v", eventType, err)
	}
}

// publish copies the state into the snapshot read by the accessors.
func (m *Manager) publish() Status {
	status := Status{
		Reading: m.reading,
		Health: Health{
			Initialized:     m.initialized,
			InvalidReadings: m.invalidCount,
		},
		Charging: m.charging,
		Low:      m.low,
		Critical: m.critical,
	}
	if m.gauge != nil {
		status.ConsecutiveErrors = m.gauge.Health().ConsecutiveErrors
	}
	if m.alerts != nil {
		status.AlertsDropped = m.alerts.Dropped()
	}
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
	return status
}
