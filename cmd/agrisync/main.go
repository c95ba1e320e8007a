/*
Copyright © 2019 the AgriSync authors.
This file is part of AgriSync.

AgriSync is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

AgriSync is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with AgriSync.  If not, see <http://www.gnu.org/licenses/>.
*/

// Command agrisync is the command-line interface for the AgriSync
// archive maintainer.
package main

import (
	"fmt"
	"os"

	"github.com/agrimodel/agrisync/agrisyncutil"
)

func main() {
	if err := agrisyncutil.Root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}
