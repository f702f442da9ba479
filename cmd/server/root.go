package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kneutral-org/user-registry/internal/config"
	"github.com/kneutral-org/user-registry/internal/logging"
)

const serviceName = "user-registry"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app carries the state shared by all subcommands once flags and the
// environment have been read.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger zerolog.Logger
}

// flagKeys maps command line flags to their configuration keys. Flags win
// over environment variables when set.
var flagKeys = map[string]string{
	"store-backend":   "store_backend",
	"database-url":    "database_url",
	"redis-addr":      "redis_addr",
	"file-store-path": "file_store_path",
	"log-level":       "log_level",
	"log-format":      "log_format",
	"port":            "port",
	"grpc-port":       "grpc_port",
	"migrate":         "migrate",
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "user-registry",
		Short: "Multi-tenant user registry with per-user exclusive locks",
		Long: fmt.Sprintf(`user-registry (%s)

Stores user records and lets callers take an exclusive lock on a single
record. Configuration is read from flags, environment variables and
.env / .env.local files, in that order of precedence.`, version),
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.String("store-backend", "", "user store backend (postgres, redis, file, memory)")
	flags.String("database-url", "", "Postgres connection string")
	flags.String("redis-addr", "", "Redis address (host:port)")
	flags.String("file-store-path", "", "JSON file used by the file backend")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, pretty)")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newLockCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads .env files, binds flags over the environment and validates
// the resulting configuration.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	config.LoadDotEnv()

	a.v.AutomaticEnv()
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := a.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	a.cfg = config.LoadFrom(a.v)
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	a.logger = logging.New(serviceName, a.cfg.LogLevel, a.cfg.LogFormat)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		// skip config loading
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", serviceName, version)
		},
	}
}
