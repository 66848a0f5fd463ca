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
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/TheCacophonyProject/tc2-power-controller/battery"
	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/physic"
)

const (
	maxReadings      = 5000
	readingsTrimRate = 24 * time.Hour
)

// readingLog appends committed battery readings to a CSV file.
type readingLog struct {
	path     string
	trimTime time.Time
	now      func() time.Time
}

func newReadingLog(path string) (*readingLog, error) {
	if err := keepLastLines(path, maxReadings); err != nil {
		return nil, err
	}
	return &readingLog{path: path, trimTime: time.Now(), now: time.Now}, nil
}

func (l *readingLog) write(s battery.Status) error {
	if l.now().Sub(l.trimTime) > readingsTrimRate {
		if err := keepLastLines(l.path, maxReadings); err != nil {
			return err
		}
		l.trimTime = l.now()
	}

	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s, %.3f, %.1f, %s, %t", s.Time.Format("2006-01-02 15:04:05"), s.Voltage, s.Percentage, s.Source, s.Charging)
	if _, err := file.WriteString(line + "\n"); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// keepLastLines keeps the last `maxLines` lines of the specified file. The
// temporary file is made next to it so the rename stays on one filesystem.
func keepLastLines(filePath string, maxLines int) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}
	tmpFile := trimTempPath(filePath)
	err := os.Remove(tmpFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	commands := []string{"sh", "-c", fmt.Sprintf("tail -n %d %s > %s", maxLines, filePath, tmpFile)}
	cmd := exec.Command(commands[0], commands[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("err running '%s', %v, %v", strings.Join(commands, " "), string(out), err)
	}
	return os.Rename(tmpFile, filePath)
}

func trimTempPath(filePath string) string {
	return filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath)+".tmp")
}

// sysfsADC reads raw codes from an IIO ADC channel.
type sysfsADC struct {
	path      string
	reference float64
	scale     float64
}

func (s *sysfsADC) Read() (analog.Sample, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return analog.Sample{}, err
	}
	raw, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return analog.Sample{}, fmt.Errorf("parsing ADC value from %s: %w", s.path, err)
	}
	volts := float64(raw) * s.reference / s.scale
	return analog.Sample{
		V:   physic.ElectricPotential(math.Round(volts * float64(physic.Volt))),
		Raw: int32(raw),
	}, nil
}
