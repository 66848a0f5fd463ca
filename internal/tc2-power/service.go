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
	"math"
	"runtime"
	"strings"

	"github.com/TheCacophonyProject/tc2-power-controller/battery"
	"github.com/TheCacophonyProject/tc2-power-controller/fuelgauge"
	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = "org.cacophony.PowerController"
	dbusPath = "/org/cacophony/PowerController"
)

type powerService struct {
	manager *battery.Manager
	gauge   *fuelgauge.Device
}

func startService(conn *dbus.Conn, manager *battery.Manager, gauge *fuelgauge.Device) error {
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &powerService{
		manager: manager,
		gauge:   gauge,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

// Status returns the last battery reading and flags.
func (s powerService) Status() (map[string]interface{}, *dbus.Error) {
	return statusMap(s.manager.Status()), nil
}

func (s powerService) ForceHardwareReset() *dbus.Error {
	log.Info("Fuel gauge reset requested over dbus")
	return dbusErr(s.manager.ForceHardwareReset())
}

func (s powerService) QuickStart() *dbus.Error {
	log.Info("Fuel gauge quick start requested over dbus")
	return dbusErr(s.manager.QuickStart())
}

func (s powerService) SetLowBatteryThreshold(percent float64) *dbus.Error {
	return dbusErr(s.manager.SetLowBatteryThreshold(percent))
}

// ReadRegister reads a fuel gauge register, for debugging.
func (s powerService) ReadRegister(reg byte) (uint16, *dbus.Error) {
	if s.gauge == nil {
		return 0, dbusErr(battery.ErrNoFuelGauge)
	}
	val, err := s.gauge.ReadRegister(reg)
	if err != nil {
		return 0, dbusErr(err)
	}
	return val, nil
}

// WriteRegister writes a fuel gauge register, for debugging.
func (s powerService) WriteRegister(reg byte, val uint16) *dbus.Error {
	if s.gauge == nil {
		return dbusErr(battery.ErrNoFuelGauge)
	}
	return dbusErr(s.gauge.WriteRegister(reg, val))
}

func statusMap(st battery.Status) map[string]interface{} {
	return map[string]interface{}{
		"voltage":           st.Voltage,
		"percent":           st.Percentage,
		"source":            st.Source.String(),
		"time":              st.Time.Unix(),
		"charging":          st.Charging,
		"low":               st.Low,
		"critical":          st.Critical,
		"fuelGaugeWorking":  st.Initialized,
		"consecutiveErrors": int32(st.ConsecutiveErrors),
		"invalidReadings":   int32(st.InvalidReadings),
	}
}

// batterySignal emits the Battery signal when the percentage moves by at
// least 1% from the last one sent.
type batterySignal struct {
	conn        *dbus.Conn
	lastPercent float64
	sent        bool
}

func (b *batterySignal) update(st battery.Status) error {
	if b.sent && math.Abs(st.Percentage-b.lastPercent) < 1 {
		return nil
	}
	if err := b.conn.Emit(dbus.ObjectPath(dbusPath), dbusName+".Battery", st.Voltage, st.Percentage); err != nil {
		return err
	}
	b.lastPercent = st.Percentage
	b.sent = true
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
			Signals: []introspect.Signal{{
				Name: "Battery",
				Args: []introspect.Arg{
					{Name: "voltage", Type: "d"},
					{Name: "percent", Type: "d"},
				},
			}},
		}},
	}
	return introspect.NewIntrospectable(node)
}

func dbusErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return &dbus.Error{
		Name: dbusName + "." + getCallerName(),
		Body: []interface{}{err.Error()},
	}
}

func getCallerName() string {
	fpcs := make([]uintptr, 1)
	n := runtime.Callers(3, fpcs)
	if n == 0 {
		return ""
	}
	caller := runtime.FuncForPC(fpcs[0] - 1)
	if caller == nil {
		return ""
	}
	funcNames := strings.Split(caller.Name(), ".")
	return funcNames[len(funcNames)-1]
}
