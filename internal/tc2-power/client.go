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
	"github.com/godbus/dbus"
)

func serviceObject() (dbus.BusObject, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return conn.Object(dbusName, dbusPath), nil
}

func callService(method string, args ...interface{}) error {
	obj, err := serviceObject()
	if err != nil {
		return err
	}
	return obj.Call(dbusName+"."+method, 0, args...).Store()
}

func getStatus() (map[string]dbus.Variant, error) {
	obj, err := serviceObject()
	if err != nil {
		return nil, err
	}
	var status map[string]dbus.Variant
	if err := obj.Call(dbusName+".Status", 0).Store(&status); err != nil {
		return nil, err
	}
	return status, nil
}

func readRegister(reg byte) (uint16, error) {
	obj, err := serviceObject()
	if err != nil {
		return 0, err
	}
	var val uint16
	if err := obj.Call(dbusName+".ReadRegister", 0, reg).Store(&val); err != nil {
		return 0, err
	}
	return val, nil
}
