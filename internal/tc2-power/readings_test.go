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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TheCacophonyProject/tc2-power-controller/battery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

func readLines(t *testing.T, path string) []string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestReadingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery.csv")
	l, err := newReadingLog(path)
	require.NoError(t, err)

	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.write(battery.Status{
		Reading: battery.Reading{Voltage: 3.912, Percentage: 64.25, Source: battery.SourceFuelGauge, Time: when},
	}))
	require.NoError(t, l.write(battery.Status{
		Reading:  battery.Reading{Voltage: 4.2, Percentage: 99, Source: battery.SourceADC, Time: when.Add(time.Minute)},
		Charging: true,
	}))

	assert.Equal(t, []string{
		"2026-03-01 12:00:00, 3.912, 64.2, fuel gauge, false",
		"2026-03-01 12:01:00, 4.200, 99.0, ADC, true",
	}, readLines(t, path))
}

func TestKeepLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery.csv")
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0644))

	require.NoError(t, keepLastLines(path, 5))
	assert.Equal(t, []string{"line 15", "line 16", "line 17", "line 18", "line 19"}, readLines(t, path))

	require.NoError(t, keepLastLines(filepath.Join(t.TempDir(), "missing.csv"), 5))
}

func TestKeepLastLinesStaysInLogDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "battery.csv")
	assert.Equal(t, dir, filepath.Dir(trimTempPath(path)))

	// The system temp dir is not used, so it can be on another filesystem.
	t.Setenv("TMPDIR", filepath.Join(dir, "missing"))
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0644))
	require.NoError(t, keepLastLines(path, 2))
	assert.Equal(t, []string{"b", "c"}, readLines(t, path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "battery.csv", entries[0].Name())
}

func TestReadingLogTrimsDaily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "battery.csv")
	var sb strings.Builder
	for i := 0; i < maxReadings+10; i++ {
		sb.WriteString("old\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0644))

	l, err := newReadingLog(path)
	require.NoError(t, err)
	assert.Len(t, readLines(t, path), maxReadings)

	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0644))
	now := time.Now()
	l.now = func() time.Time { return now.Add(25 * time.Hour) }
	require.NoError(t, l.write(battery.Status{Reading: battery.Reading{Time: now}}))
	assert.Len(t, readLines(t, path), maxReadings+1)
}

func TestSysfsADC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in_voltage0_raw")
	require.NoError(t, os.WriteFile(path, []byte("2048\n"), 0644))

	s := &sysfsADC{path: path, reference: 3.3, scale: 4096}
	sample, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, int32(2048), sample.Raw)
	assert.Equal(t, 1650*physic.MilliVolt, sample.V)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	_, err = s.Read()
	assert.Error(t, err)
}
