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

package catalog

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	mpgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// The fixed lookup-table schema ships embedded, one directory per
// dialect: the auto-increment spelling differs between SQLite and
// PostgreSQL.
//
//go:embed migrations
var migrations embed.FS

// migrate applies all pending schema migrations. The per-acquisition
// wide statistics tables are not migrations; they are created at
// runtime by the materializer.
func (c *Catalog) migrate() error {
	var (
		drv database.Driver
		err error
		dir string
	)
	switch c.driver {
	case DriverSQLite:
		drv, err = msqlite.WithInstance(c.db.DB, &msqlite.Config{})
		dir = "migrations/sqlite"
	case DriverPostgres:
		drv, err = mpgx.WithInstance(c.db.DB, &mpgx.Config{})
		dir = "migrations/postgres"
	}
	if err != nil {
		return fmt.Errorf("catalog: preparing migrations: %v", err)
	}
	sub, err := fs.Sub(migrations, dir)
	if err != nil {
		return fmt.Errorf("catalog: %v", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("catalog: reading migrations: %v", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, c.driver, drv)
	if err != nil {
		return fmt.Errorf("catalog: preparing migrations: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("catalog: migrating: %v", err)
	}
	return nil
}
