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

package agrisyncutil

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agrimodel/agrisync"
	"github.com/spf13/viper"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	Root.SetOut(&out)
	Root.SetArgs([]string{"version"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), agrisync.Version) {
		t.Errorf("version output %q does not contain %q", out.String(), agrisync.Version)
	}
}

func TestPurgeRequiresConfirmation(t *testing.T) {
	Root.SetArgs([]string{"purge", "chirps", "2019-01-01"})
	err := Root.Execute()
	if err == nil {
		t.Fatal("purge without --yes did not fail")
	}
	if !strings.Contains(err.Error(), "--yes") {
		t.Errorf("error %q does not mention --yes", err)
	}
}

func TestConfigure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agrisync.yaml")
	Root.SetArgs([]string{"configure", path, "--temp_user", "alice", "--db_url", "test.db"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatal(err)
	}
	if got := v.GetString("temp_user"); got != "alice" {
		t.Errorf("temp_user = %q; want alice", got)
	}
	if got := v.GetString("db_url"); got != "test.db" {
		t.Errorf("db_url = %q; want test.db", got)
	}
}

func TestRegistryFromConfig(t *testing.T) {
	v := viper.New()
	v.Set("granule_url", "http://localhost:0")
	reg := newRegistry(v)
	if _, err := reg.Get("MOD09Q1"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Get("chirps"); err != nil {
		t.Fatal(err)
	}
}
