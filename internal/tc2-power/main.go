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
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	goconfig "github.com/TheCacophonyProject/go-config"
	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/TheCacophonyProject/tc2-power-controller/adc"
	"github.com/TheCacophonyProject/tc2-power-controller/alert"
	"github.com/TheCacophonyProject/tc2-power-controller/battery"
	"github.com/TheCacophonyProject/tc2-power-controller/charging"
	"github.com/TheCacophonyProject/tc2-power-controller/fuelgauge"
	"github.com/TheCacophonyProject/tc2-power-controller/i2cbus"
	"github.com/TheCacophonyProject/tc2-power-controller/motion"
	"github.com/alexflint/go-arg"
	"github.com/godbus/dbus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	Service      *subcommand   `arg:"subcommand:service"       help:"Start the power controller service."`
	Status       *subcommand   `arg:"subcommand:status"        help:"Print the battery status from the running service."`
	Reset        *subcommand   `arg:"subcommand:reset"         help:"Reset the fuel gauge. This discards what it has learned about the battery."`
	QuickStart   *subcommand   `arg:"subcommand:quick-start"   help:"Reset the fuel gauge and restart its estimate from the cell voltage."`
	SetThreshold *SetThreshold `arg:"subcommand:set-threshold" help:"Set the fuel gauge low battery alert threshold."`
	Read         *Read         `arg:"subcommand:read"          help:"Read a fuel gauge register."`
	Write        *Write        `arg:"subcommand:write"         help:"Write a fuel gauge register."`
	ConfigDir    string        `arg:"-c, --config-dir" help:"Directory with the config file."`
	logging.LogArgs
}

type subcommand struct {
}

type SetThreshold struct {
	Percent float64 `arg:"--percent,required" help:"Alert when the battery falls below this percentage (1 to 32)."`
}

type Read struct {
	Reg string `arg:"--reg,required" help:"The register you want to read from, in hex (0xnn)"`
}

type Write struct {
	Reg string `arg:"--reg,required" help:"The register you want to write to, in hex (0xnn)"`
	Val string `arg:"--val,required" help:"The 16 bit value you want to write, in hex (0xnnnn)"`
}

var defaultArgs = Args{
	ConfigDir: goconfig.DefaultConfigDir,
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func setLoggers(l *logging.Logger) {
	log = l
	i2cbus.SetLogger(l)
	fuelgauge.SetLogger(l)
	charging.SetLogger(l)
	alert.SetLogger(l)
	battery.SetLogger(l)
	motion.SetLogger(l)
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	setLoggers(logging.NewLogger(args.LogLevel))

	log.Infof("Running version: %s", version)

	switch {
	case args.Service != nil:
		return runService(args.ConfigDir)
	case args.Status != nil:
		return printStatus()
	case args.Reset != nil:
		return callService("ForceHardwareReset")
	case args.QuickStart != nil:
		return callService("QuickStart")
	case args.SetThreshold != nil:
		return callService("SetLowBatteryThreshold", args.SetThreshold.Percent)
	case args.Read != nil:
		return read(args.Read)
	case args.Write != nil:
		return write(args.Write)
	}
	return nil
}

func runService(configDir string) error {
	conf, err := ParseConfig(configDir)
	if err != nil {
		return err
	}
	log.Debugf("Config: %+v", conf)

	if _, err := host.Init(); err != nil {
		return err
	}
	bus, err := i2creg.Open(conf.I2CBus)
	if err != nil {
		return fmt.Errorf("failed to open i2c bus: %w", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := i2cbus.New(bus, i2cbus.DefaultQueueLength)
	scheduler.Start(ctx)

	var resetPin gpio.PinOut
	if pin := gpioreg.ByName(conf.Pins.Reset); pin != nil {
		resetPin = pin
	} else {
		log.Warnf("Fuel gauge reset pin %q not found", conf.Pins.Reset)
	}
	gauge := fuelgauge.New(scheduler.Client("fuel-gauge", conf.TxTimeout.Duration), resetPin, nil)

	estimator, err := adc.New(&sysfsADC{
		path:      conf.ADC.Path,
		reference: conf.ADC.ReferenceVoltage,
		scale:     conf.ADC.Resolution,
	}, conf.ADCConfig())
	if err != nil {
		return err
	}

	alerts := alert.NewSignal()
	manager := battery.New(conf.BatteryConfig(), gauge, estimator, alerts, nil)
	if err := manager.Init(); err != nil {
		log.Errorf("Fuel gauge not available, using ADC: %v", err)
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	log.Debug("Starting power controller dbus service.")
	if err := startService(conn, manager, gauge); err != nil {
		return err
	}

	readings, err := newReadingLog(conf.ReadingLog)
	if err != nil {
		return err
	}
	signal := &batterySignal{conn: conn}
	manager.OnTick(func(s battery.Status) {
		if err := readings.write(s); err != nil {
			log.Errorf("Failed to log battery reading: %v", err)
		}
		if err := signal.update(s); err != nil {
			log.Errorf("Failed to send battery signal: %v", err)
		}
	})

	if pin := gpioreg.ByName(conf.Pins.Alert); pin != nil {
		go func() {
			if err := alert.Watch(ctx, pin, alerts); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("Alert watcher stopped: %v", err)
			}
		}()
	} else {
		log.Warnf("Fuel gauge alert pin %q not found", conf.Pins.Alert)
	}

	if conf.Motion {
		poller := motion.New(scheduler.Client("motion", conf.TxTimeout.Duration), nil)
		go func() {
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("Motion poller stopped: %v", err)
			}
		}()
	}

	go func() {
		if err := checkConfigChanges(conf, configDir); err != nil {
			log.Errorf("Failed to watch config: %v", err)
		}
	}()

	return manager.Run(ctx)
}

func printStatus() error {
	status, err := getStatus()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Printf("%s: %v", k, status[k].Value())
	}
	return nil
}

func read(read *Read) error {
	reg, err := hexStringToByte(read.Reg)
	if err != nil {
		return err
	}
	log.Printf("Reading register 0x%02X", reg)
	val, err := readRegister(reg)
	if err != nil {
		return err
	}
	log.Printf("0x%04X", val)
	return nil
}

func write(args *Write) error {
	reg, err := hexStringToByte(args.Reg)
	if err != nil {
		return err
	}
	val, err := hexStringToUint16(args.Val)
	if err != nil {
		return err
	}
	log.Printf("Writing 0x%04X to register 0x%02X", val, reg)
	return callService("WriteRegister", reg, val)
}

func hexStringToByte(hexStr string) (byte, error) {
	val, err := parseHex(hexStr, 8)
	return byte(val), err
}

func hexStringToUint16(hexStr string) (uint16, error) {
	val, err := parseHex(hexStr, 16)
	return uint16(val), err
}

func parseHex(hexStr string, bitSize int) (uint64, error) {
	if len(hexStr) != 2+bitSize/4 {
		return 0, fmt.Errorf("invalid hex string length: %d", len(hexStr))
	}
	if !strings.HasPrefix(hexStr, "0x") {
		return 0, fmt.Errorf("invalid hex string prefix, should be '0x': %s", hexStr)
	}
	return strconv.ParseUint(hexStr[2:], 16, bitSize)
}
