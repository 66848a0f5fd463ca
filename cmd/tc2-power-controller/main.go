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

package main

import (
	"os"

	"github.com/TheCacophonyProject/go-utils/logging"
	power "github.com/TheCacophonyProject/tc2-power-controller/internal/tc2-power"
)

var log *logging.Logger

var version = "<not set>"

func main() {
	log = logging.NewLogger("info")
	if err := power.Run(os.Args[1:], version); err != nil {
		log.Fatal(err)
	}
}
