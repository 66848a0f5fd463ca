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

package power

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/TheCacophonyProject/tc2-power-controller/adc"
	"github.com/TheCacophonyProject/tc2-power-controller/battery"
	"github.com/google/go-cmp/cmp"
	"github.com/rjeczalik/notify"
)

const ConfigFileName = "power-controller.toml"

// Duration lets durations be written as "30s" in the config file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

type Pins struct {
	Alert string `toml:"alert"`
	Reset string `toml:"reset"`
}

type ADCConfig struct {
	// Path to the sysfs file giving the raw ADC code.
	Path             string  `toml:"path"`
	ReferenceVoltage float64 `toml:"reference_voltage"`
	Resolution       float64 `toml:"resolution"`
	DividerRatio     float64 `toml:"divider_ratio"`
	MinVoltage       float64 `toml:"min_voltage"`
	MaxVoltage       float64 `toml:"max_voltage"`
}

type BatteryConfig struct {
	Interval         Duration `toml:"interval"`
	StartupWindow    Duration `toml:"startup_window"`
	ProbeInterval    Duration `toml:"probe_interval"`
	AlertThreshold   float64  `toml:"alert_threshold"`
	LowPercentage    float64  `toml:"low_percentage"`
	EmergencyVoltage float64  `toml:"emergency_voltage"`
}

type Config struct {
	I2CBus     string        `toml:"i2c_bus"`
	TxTimeout  Duration      `toml:"tx_timeout"`
	Motion     bool          `toml:"motion"`
	ReadingLog string        `toml:"reading_log"`
	Pins       Pins          `toml:"pins"`
	ADC        ADCConfig     `toml:"adc"`
	Battery    BatteryConfig `toml:"battery"`
}

var errBadConfig = errors.New("invalid config")

func DefaultConfig() *Config {
	b := battery.DefaultConfig()
	a := adc.DefaultConfig()
	return &Config{
		TxTimeout:  Duration{100 * time.Millisecond},
		ReadingLog: "/var/log/battery-readings.csv",
		Pins: Pins{
			Alert: "GPIO17",
			Reset: "GPIO27",
		},
		ADC: ADCConfig{
			Path:             "/sys/bus/iio/devices/iio:device0/in_voltage0_raw",
			ReferenceVoltage: a.ReferenceVoltage,
			Resolution:       a.Resolution,
			DividerRatio:     a.DividerRatio,
			MinVoltage:       a.MinVoltage,
			MaxVoltage:       a.MaxVoltage,
		},
		Battery: BatteryConfig{
			Interval:         Duration{b.Interval},
			StartupWindow:    Duration{b.StartupWindow},
			ProbeInterval:    Duration{b.ProbeInterval},
			AlertThreshold:   b.AlertThreshold,
			LowPercentage:    b.LowPercentage,
			EmergencyVoltage: b.EmergencyVoltage,
		},
	}
}

// ParseConfig reads the config file from configDir over the defaults. A
// missing file gives the defaults.
func ParseConfig(configDir string) (*Config, error) {
	conf := DefaultConfig()
	path := filepath.Join(configDir, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, conf); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking config path %q: %w", path, err)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	if c.Battery.Interval.Duration <= 0 {
		return fmt.Errorf("%w: battery interval must be positive", errBadConfig)
	}
	if c.Battery.ProbeInterval.Duration <= 0 {
		return fmt.Errorf("%w: probe interval must be positive", errBadConfig)
	}
	if c.TxTimeout.Duration <= 0 {
		return fmt.Errorf("%w: tx timeout must be positive", errBadConfig)
	}
	b := c.Battery
	if b.StartupWindow.Duration < 0 {
		return fmt.Errorf("%w: startup window can't be negative", errBadConfig)
	}
	if b.AlertThreshold < 1 || b.AlertThreshold > 32 {
		return fmt.Errorf("%w: alert threshold %.1f%% outside the fuel gauge range of 1 to 32", errBadConfig, b.AlertThreshold)
	}
	if b.LowPercentage < 0 || b.LowPercentage > 100 {
		return fmt.Errorf("%w: low percentage %.1f%% outside 0 to 100", errBadConfig, b.LowPercentage)
	}
	if b.EmergencyVoltage <= 0 || b.EmergencyVoltage >= battery.NormalBand.MaxVoltage {
		return fmt.Errorf("%w: emergency voltage %.2fV outside 0 to %.1fV", errBadConfig, b.EmergencyVoltage, battery.NormalBand.MaxVoltage)
	}
	return nil
}

func (c *Config) BatteryConfig() battery.Config {
	b := battery.DefaultConfig()
	b.Interval = c.Battery.Interval.Duration
	b.StartupWindow = c.Battery.StartupWindow.Duration
	b.ProbeInterval = c.Battery.ProbeInterval.Duration
	b.AlertThreshold = c.Battery.AlertThreshold
	b.LowPercentage = c.Battery.LowPercentage
	b.EmergencyVoltage = c.Battery.EmergencyVoltage
	return b
}

func (c *Config) ADCConfig() adc.Config {
	return adc.Config{
		ReferenceVoltage: c.ADC.ReferenceVoltage,
		Resolution:       c.ADC.Resolution,
		DividerRatio:     c.ADC.DividerRatio,
		MinVoltage:       c.ADC.MinVoltage,
		MaxVoltage:       c.ADC.MaxVoltage,
	}
}

// checkConfigChanges compares the config from when first loaded to a new
// config each time the config file is written. If there is a difference then
// the program will exit and systemd will restart the service with the new
// config.
func checkConfigChanges(conf *Config, configDir string) error {
	configFilePath := filepath.Join(configDir, ConfigFileName)
	fsEvents := make(chan notify.EventInfo, 1)
	if err := notify.Watch(configFilePath, fsEvents, notify.InCloseWrite, notify.InMovedTo); err != nil {
		return err
	}
	defer notify.Stop(fsEvents)

	for {
		<-fsEvents
		newConfig, err := ParseConfig(configDir)
		if err != nil {
			log.Error("error reloading config:", err)
			continue
		}
		diff := cmp.Diff(conf, newConfig)
		log.Debug("Config diff:", diff)
		if diff != "" {
			log.Info("Config changed. Exiting to allow systemctl to restart service.")
			os.Exit(0)
		}
		log.Info("No relevant changes detected in config file.")
	}
}
