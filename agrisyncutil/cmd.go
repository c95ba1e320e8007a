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

// Package agrisyncutil wires the AgriSync libraries into the operator
// command line.
package agrisyncutil

import (
	"fmt"
	"strings"

	"github.com/agrimodel/agrisync"
	"github.com/agrimodel/agrisync/catalog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to AgriSync.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "log_level",
			usage: `
              log_level sets the logging verbosity: debug, info, warn
              or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "log_json",
			usage: `
              log_json switches log output to JSON lines for machine
              collection.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "db_driver",
			usage: `
              db_driver selects the catalog database driver: 'pgx' for
              PostgreSQL in production or 'sqlite' for a local file.`,
			defaultVal: catalog.DriverSQLite,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "db_url",
			usage: `
              db_url is the catalog connection string: a PostgreSQL URL
              for the pgx driver, or a file path for sqlite.`,
			defaultVal: "agrisync.db",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "bucket",
			usage: `
              bucket is the object storage location holding rasters,
              masks and regions, in the form s3://name, gs://name or
              file://path.`,
			defaultVal: "file://./agrisync-data",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "granule_url",
			usage: `
              granule_url is the base URL of the granule-assembly
              service fronting the NDVI archive. Empty disables the
              NDVI products.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "temp_user",
			usage: `
              temp_user is the Earthdata username for the temperature
              archive.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "temp_pass",
			usage: `
              temp_pass is the Earthdata password for the temperature
              archive.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "swi_user",
			usage: `
              swi_user is the Copernicus username for the soil water
              index archive.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "swi_pass",
			usage: `
              swi_pass is the Copernicus password for the soil water
              index archive.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "parallel",
			usage: `
              parallel bounds how many products advance concurrently
              during an update cycle.`,
			defaultVal: 4,
			flagsets:   []*pflag.FlagSet{updateCmd.Flags(), fillArchiveCmd.Flags()},
		},
		{
			name: "workers",
			usage: `
              workers sets the aggregation worker count; 0 means one
              per CPU.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "products",
			usage: `
              products restricts an operation to a comma-separated
              subset of product ids; empty means all products.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{updateCmd.Flags(), listMissingCmd.Flags()},
		},
		{
			name: "yes",
			usage: `
              yes skips the confirmation prompt for destructive
              operations.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{purgeCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("AGRISYNC")
	Cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch v := option.defaultVal.(type) {
			case string:
				set.StringP(option.name, option.shorthand, v, option.usage)
			case []string:
				set.StringSliceP(option.name, option.shorthand, v, option.usage)
			case bool:
				set.BoolP(option.name, option.shorthand, v, option.usage)
			case int:
				set.IntP(option.name, option.shorthand, v, option.usage)
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(updateCmd)
	Root.AddCommand(listMissingCmd)
	Root.AddCommand(rectifyStatsCmd)
	Root.AddCommand(fillArchiveCmd)
	Root.AddCommand(reconcileCmd)
	Root.AddCommand(purgeCmd)
	Root.AddCommand(configureCmd)
}

// setConfig finds and reads in the configuration file, if there is
// one, and configures logging.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("agrisync: problem reading configuration file: %v", err)
		}
	}
	level, err := logrus.ParseLevel(Cfg.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("agrisync: %v", err)
	}
	logrus.SetLevel(level)
	if Cfg.GetBool("log_json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "agrisync",
	Short: "An agricultural raster archive maintainer.",
	Long: `AgriSync keeps a cloud archive of agricultural monitoring rasters
current: it discovers which satellite and model acquisitions are missing,
fetches and normalizes them to a canonical cloud-optimized form, and maintains
per-region statistics tables over the results.

Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'AGRISYNC_var' where 'var'
is the name of the variable to be set.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of AgriSync.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("AgriSync v%s\n", agrisync.Version)
	},
	DisableAutoGenTag: true,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run one archive maintenance cycle.",
	Long: `update plans the missing acquisitions for every product, fetches the
ones available upstream, publishes them to object storage and generates
statistics. One invocation is one cycle; run it from a scheduler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		u, cleanup, err := newUpdater(ctx, Cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		return u.Cycle(ctx)
	},
	DisableAutoGenTag: true,
}

var listMissingCmd = &cobra.Command{
	Use:   "list-missing",
	Short: "List the acquisitions the archive lacks.",
	Long: `list-missing prints, per product, the dates that are expected by each
product's cadence but have not completed processing. It consults only the
catalog and the clock, not the upstream sources.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, p, err := newPlanner(Cfg)
		if err != nil {
			return err
		}
		defer c.Close()
		for _, productID := range selectedProducts(Cfg, p.Registry) {
			dates, err := p.Missing(ctx, productID)
			if err != nil {
				return err
			}
			days := make([]string, len(dates))
			for i, d := range dates {
				days[i] = d.Format(agrisync.DateFormat)
			}
			cmd.Printf("%s: %s\n", productID, strings.Join(days, " "))
		}
		return nil
	},
	DisableAutoGenTag: true,
}

var rectifyStatsCmd = &cobra.Command{
	Use:   "rectify-stats",
	Short: "Repair holes in the statistics tables.",
	Long: `rectify-stats scans every processed acquisition for mask and region
pairs whose statistics are missing, then regenerates exactly those from the
rasters already in object storage. It never contacts upstream sources.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, cleanup, err := newRectifier(ctx, Cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		gaps, err := r.Gaps(ctx)
		if err != nil {
			return err
		}
		if len(gaps) == 0 {
			cmd.Println("statistics tables are complete")
			return nil
		}
		return r.Rectify(ctx, gaps)
	},
	DisableAutoGenTag: true,
}

var fillArchiveCmd = &cobra.Command{
	Use:   "fill-archive",
	Short: "Adopt rasters already in object storage.",
	Long: `fill-archive registers every raster object in the bucket with the
catalog, marking it downloaded and processed, and then generates any missing
statistics. Use it after bulk-loading historical rasters into the bucket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		u, cleanup, err := newUpdater(ctx, Cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := adoptArchive(ctx, u); err != nil {
			return err
		}
		r := rectifierFrom(u)
		gaps, err := r.Gaps(ctx)
		if err != nil {
			return err
		}
		return r.Rectify(ctx, gaps)
	},
	DisableAutoGenTag: true,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair drift between the bucket and the catalog.",
	Long: `reconcile deletes raster objects with no processed catalog row and
clears the processed flag on rows whose objects are gone, so the next update
cycle re-fetches them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		u, cleanup, err := newUpdater(ctx, Cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		return u.Reconcile(ctx)
	},
	DisableAutoGenTag: true,
}

var purgeCmd = &cobra.Command{
	Use:   "purge PRODUCT DATE",
	Short: "Remove one acquisition from the archive.",
	Long: `purge removes every trace of one acquisition: the published raster
object, its catalog row and the statistics columns it contributed. DATE is
YYYY-MM-DD. This cannot be undone; pass --yes to confirm.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !Cfg.GetBool("yes") {
			return fmt.Errorf("agrisync: purge is irreversible; re-run with --yes to confirm")
		}
		date, err := agrisync.ParseDate(args[1])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		u, cleanup, err := newUpdater(ctx, Cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		return u.Purge(ctx, args[0], date)
	},
	DisableAutoGenTag: true,
}

var configureCmd = &cobra.Command{
	Use:   "configure FILE",
	Short: "Write the current configuration to a file.",
	Long: `configure writes the effective configuration, including any
credentials supplied by flag or environment, to FILE for later use with
--config.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, opt := range options {
			if opt.name == "config" {
				continue
			}
			Cfg.Set(opt.name, Cfg.Get(opt.name))
		}
		if err := Cfg.WriteConfigAs(args[0]); err != nil {
			return fmt.Errorf("agrisync: writing configuration: %v", err)
		}
		cmd.Printf("wrote %s\n", args[0])
		return nil
	},
	DisableAutoGenTag: true,
}
