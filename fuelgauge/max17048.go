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

// Package fuelgauge talks to a MAX17048 fuel gauge. Register reads are spaced,
// retried with a backoff and counted. A run of more than ErrorLimit failed
// transactions marks the device as faulty until a transaction succeeds again.
package fuelgauge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/TheCacophonyProject/tc2-power-controller/i2cbus"
	"github.com/TheCacophonyProject/tc2-power-controller/retry"
	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
	"tinygo.org/x/drivers"
)

const Address = 0x36

// Registers
const (
	RegVCell   = 0x02
	RegSOC     = 0x04
	RegMode    = 0x06
	RegVersion = 0x08
	RegConfig  = 0x0C
	RegStatus  = 0x1A
)

// Status register alert bits.
const (
	StatusSOCChange uint16 = 0x0020
	StatusSOCLow    uint16 = 0x0010
)

const (
	// Sentinel is returned by ReadRegister when every attempt failed.
	Sentinel uint16 = 0xFFFF

	MaxAttempts      = 3
	MinSpacing       = 100 * time.Millisecond
	TransportBackoff = 50 * time.Millisecond
	TimeoutBackoff   = 25 * time.Millisecond
	ErrorLimit       = 10

	quickStartMode uint16 = 0x4000
	rcomp          uint16 = 0x97
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

var (
	ErrTransport   = errors.New("fuel gauge transport error")
	ErrDeviceFault = errors.New("fuel gauge has failed too many times in a row")
	ErrNotFound    = errors.New("fuel gauge not found")
	ErrNoResetPin  = errors.New("no reset pin configured")
)

// Bus is the bus handle the driver needs. An *i2cbus.Client satisfies it.
type Bus interface {
	drivers.I2C
	Acquire() error
	Release()
}

type Health struct {
	ConsecutiveErrors int
	Tripped           bool
}

type Device struct {
	bus     Bus
	address uint16
	reset   gpio.PinOut
	clock   clockwork.Clock

	mu                sync.Mutex
	lastAccess        time.Time
	consecutiveErrors int
	tripped           bool
}

// New returns a driver for the fuel gauge on bus. reset may be nil if the
// reset line is not wired, clock may be nil to use the real clock.
func New(bus Bus, reset gpio.PinOut, clock clockwork.Clock) *Device {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Device{
		bus:     bus,
		address: Address,
		reset:   reset,
		clock:   clock,
	}
}

// PercentageFromRaw converts a SOC register value to a percentage.
func PercentageFromRaw(raw uint16) float64 {
	return float64(raw) / 256.0
}

// VoltageFromRaw converts a VCELL register value to volts.
func VoltageFromRaw(raw uint16) float64 {
	return float64(raw) * 78.125e-6
}

// ReadRegister reads a 16 bit big endian register. The bus is held for the
// whole burst of attempts and concurrent calls are serialised. When all
// attempts fail Sentinel is returned along with the last error, which is
// ErrDeviceFault once the error limit is passed.
func (d *Device) ReadRegister(reg byte) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.bus.Acquire(); err != nil {
		return Sentinel, fmt.Errorf("%w: acquiring bus: %w", ErrTransport, err)
	}
	defer d.bus.Release()

	d.waitForSpacing()
	value := Sentinel
	policy := retry.Policy{
		MaxAttempts: MaxAttempts,
		Backoff: func(_ int, err error) time.Duration {
			if errors.Is(err, i2cbus.ErrTimeout) {
				return TimeoutBackoff
			}
			return TransportBackoff
		},
		Sleep: d.clock.Sleep,
		OnFailure: func(attempt int, err error) {
			log.Debugf("Reading register 0x%02x failed on attempt %d: %v", reg, attempt+1, err)
		},
	}
	err := policy.Do(func(int) error {
		data := make([]byte, 2)
		if err := d.tx([]byte{reg}, data); err != nil {
			if d.tripped {
				return retry.Permanent(err)
			}
			return err
		}
		value = binary.BigEndian.Uint16(data)
		return nil
	})
	if err != nil {
		return Sentinel, fmt.Errorf("reading register 0x%02x: %w", reg, err)
	}
	return value, nil
}

// WriteRegister writes a 16 bit value to a register. It is not retried.
func (d *Device) WriteRegister(reg byte, value uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.bus.Acquire(); err != nil {
		return fmt.Errorf("%w: acquiring bus: %w", ErrTransport, err)
	}
	defer d.bus.Release()

	d.waitForSpacing()
	w := []byte{reg, 0, 0}
	binary.BigEndian.PutUint16(w[1:], value)
	if err := d.tx(w, nil); err != nil {
		return fmt.Errorf("writing 0x%04x to register 0x%02x: %w", value, reg, err)
	}
	return nil
}

// waitForSpacing sleeps until MinSpacing has passed since the last bus access.
// Retries within one access only wait for the backoff. d.mu must be held.
func (d *Device) waitForSpacing() {
	if d.lastAccess.IsZero() {
		return
	}
	if elapsed := d.clock.Since(d.lastAccess); elapsed < MinSpacing {
		d.clock.Sleep(MinSpacing - elapsed)
	}
}

// tx runs one transaction and updates the error count. d.mu must be held.
func (d *Device) tx(w, r []byte) error {
	err := d.bus.Tx(d.address, w, r)
	d.lastAccess = d.clock.Now()

	if err == nil {
		if d.tripped {
			log.Info("Fuel gauge is responding again")
		}
		d.consecutiveErrors = 0
		d.tripped = false
		return nil
	}

	d.consecutiveErrors++
	if d.consecutiveErrors > ErrorLimit {
		if !d.tripped {
			log.Errorf("Fuel gauge failed %d times in a row", d.consecutiveErrors)
		}
		d.tripped = true
		return fmt.Errorf("%w: %w", ErrDeviceFault, err)
	}
	if errors.Is(err, i2cbus.ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (d *Device) ReadSOC() (float64, error) {
	raw, err := d.ReadRegister(RegSOC)
	return PercentageFromRaw(raw), err
}

func (d *Device) ReadVoltage() (float64, error) {
	raw, err := d.ReadRegister(RegVCell)
	return VoltageFromRaw(raw), err
}

func (d *Device) ReadStatus() (uint16, error) {
	return d.ReadRegister(RegStatus)
}

func (d *Device) Version() (uint16, error) {
	return d.ReadRegister(RegVersion)
}

// Probe reads the version register until it gets a plausible value, waiting
// interval between attempts.
func (d *Device) Probe(attempts int, interval time.Duration) (uint16, error) {
	for i := 0; i < attempts; i++ {
		version, err := d.Version()
		if err == nil && version != 0 && version != Sentinel {
			log.Infof("Found fuel gauge, version 0x%04x", version)
			return version, nil
		}
		log.Debugf("Fuel gauge probe %d/%d failed, version 0x%04x: %v", i+1, attempts, version, err)
		if i < attempts-1 {
			d.clock.Sleep(interval)
		}
	}
	return Sentinel, ErrNotFound
}

// SetLowBatteryThreshold sets the SOC percentage below which the device raises
// its low alert. The device supports 1 to 32 percent.
func (d *Device) SetLowBatteryThreshold(percent float64) error {
	pct := int(math.Round(percent))
	if pct < 1 {
		pct = 1
	} else if pct > 32 {
		pct = 32
	}
	config := rcomp<<8 | uint16(32-pct)
	if err := d.WriteRegister(RegConfig, config); err != nil {
		return err
	}
	log.Infof("Low battery threshold set to %d%%", pct)
	return nil
}

// HardwareReset pulses the reset line. This discards everything the device has
// learned about the battery.
func (d *Device) HardwareReset() error {
	if d.reset == nil {
		return ErrNoResetPin
	}
	log.Info("Resetting fuel gauge")
	steps := []struct {
		level gpio.Level
		hold  time.Duration
	}{
		{gpio.Low, 10 * time.Millisecond},
		{gpio.High, 100 * time.Millisecond},
		{gpio.Low, 200 * time.Millisecond},
	}
	for _, s := range steps {
		if err := d.reset.Out(s.level); err != nil {
			return fmt.Errorf("setting reset pin %s: %w", s.level, err)
		}
		d.clock.Sleep(s.hold)
	}
	return nil
}

// QuickStart resets the device and restarts its SOC estimate from the current
// cell voltage.
func (d *Device) QuickStart() error {
	if err := d.HardwareReset(); err != nil {
		return err
	}
	d.clock.Sleep(100 * time.Millisecond)
	if err := d.WriteRegister(RegMode, quickStartMode); err != nil {
		return err
	}
	d.clock.Sleep(500 * time.Millisecond)
	log.Info("Fuel gauge quick start done")
	return nil
}

func (d *Device) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Health{
		ConsecutiveErrors: d.consecutiveErrors,
		Tripped:           d.tripped,
	}
}
