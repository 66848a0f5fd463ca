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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexStringToByte(t *testing.T) {
	b, err := hexStringToByte("0x1A")
	require.NoError(t, err)
	assert.Equal(t, byte(0x1A), b)

	for _, bad := range []string{"1A", "0x1", "0x123", "0xZZ", "ab1A"} {
		_, err := hexStringToByte(bad)
		assert.Error(t, err, bad)
	}
}

func TestHexStringToUint16(t *testing.T) {
	v, err := hexStringToUint16("0x4000")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4000), v)

	for _, bad := range []string{"0x40", "4000", "0x40000", "0xG000"} {
		_, err := hexStringToUint16(bad)
		assert.Error(t, err, bad)
	}
}

func TestProcArgs(t *testing.T) {
	args, err := procArgs([]string{"set-threshold", "--percent", "12"})
	require.NoError(t, err)
	require.NotNil(t, args.SetThreshold)
	assert.Equal(t, 12.0, args.SetThreshold.Percent)
	assert.Nil(t, args.Service)

	args, err = procArgs([]string{"write", "--reg", "0x06", "--val", "0x4000"})
	require.NoError(t, err)
	require.NotNil(t, args.Write)
	assert.Equal(t, "0x06", args.Write.Reg)
	assert.Equal(t, "0x4000", args.Write.Val)

	args, err = procArgs([]string{"service", "--config-dir", "/tmp/conf"})
	require.NoError(t, err)
	assert.NotNil(t, args.Service)
	assert.Equal(t, "/tmp/conf", args.ConfigDir)
}
