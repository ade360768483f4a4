package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/geodoc/pkg/clients"
	"github.com/ajitpratap0/geodoc/pkg/config"
	"github.com/ajitpratap0/geodoc/pkg/logger"
	"github.com/ajitpratap0/geodoc/pkg/observability"
	"github.com/ajitpratap0/geodoc/pkg/store"
	"github.com/ajitpratap0/geodoc/pkg/store/embedded"
	"github.com/ajitpratap0/geodoc/pkg/store/mongostore"
)

const envPrefix = "GEODOC"

// app carries the state shared by subcommands: the merged configuration, the logger
// and the tracing shutdown hook.
type app struct {
	v        *viper.Viper
	cfg      *config.Config
	log      *zap.Logger
	shutdown func(context.Context) error
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "geodoc",
		Short: "geodoc - typed document access with geo values and change feeds",
		Long: `geodoc provisions tables, checks connectivity and streams change feeds
for a MongoDB deployment or the embedded store.

Settings come from the YAML file named by --config, then GEODOC_* environment
variables, then flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to YAML configuration file")
	flags.String("driver", "", "Store driver (mongo, embedded)")
	flags.String("host", "", "Store host")
	flags.Int("port", 0, "Store port")
	flags.String("database", "", "Database name")
	flags.String("user", "", "Store user")
	flags.String("password", "", "Store password")
	flags.String("path", "", "Embedded store file; empty keeps data in memory")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("trace-exporter", observability.ExporterNone, "Trace exporter (none, stdout)")
	_ = a.v.BindPFlags(flags)

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		versionCommand(),
		a.pingCommand(),
		a.initCommand(),
		a.watchCommand(),
	)
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Show version information",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "geodoc v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// setup loads the configuration, applies environment and flag overrides, and starts
// logging and tracing.
func (a *app) setup() error {
	cfg := config.NewDefault()
	if path := a.v.GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	a.overlay(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	a.log = logger.With(zap.String("component", "cli"))

	shutdown, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "geodoc",
		ServiceVersion: version,
		SamplingRate:   1,
		Exporter:       a.v.GetString("trace-exporter"),
	})
	if err != nil {
		return err
	}
	a.shutdown = shutdown
	return nil
}

// overlay copies settings that were given as flags or environment variables.
func (a *app) overlay(cfg *config.Config) {
	if a.v.IsSet("driver") {
		cfg.Store.Driver = a.v.GetString("driver")
	}
	if a.v.IsSet("host") {
		cfg.Store.Host = a.v.GetString("host")
	}
	if a.v.IsSet("port") {
		cfg.Store.Port = a.v.GetInt("port")
	}
	if a.v.IsSet("database") {
		cfg.Store.Database = a.v.GetString("database")
	}
	if a.v.IsSet("user") {
		cfg.Store.Username = a.v.GetString("user")
	}
	if a.v.IsSet("password") {
		cfg.Store.Password = a.v.GetString("password")
	}
	if a.v.IsSet("path") {
		cfg.Store.Path = a.v.GetString("path")
	}
	if a.v.IsSet("log-level") {
		cfg.Logging.Level = a.v.GetString("log-level")
	}
}

func (a *app) teardown(ctx context.Context) error {
	var err error
	if a.shutdown != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		err = multierr.Append(err, a.shutdown(ctx))
	}
	if a.log != nil {
		_ = logger.Sync()
	}
	return err
}

// connect opens a started connection pool for the configured driver. The returned
// function shuts the pool down and closes the store.
func (a *app) connect() (*clients.ConnectionPool, func() error, error) {
	var (
		dialer  store.Dialer
		closers []func() error
	)
	switch a.cfg.Store.Driver {
	case config.DriverEmbedded:
		s, err := embedded.Open(a.cfg.Store.Path, a.log)
		if err != nil {
			return nil, nil, err
		}
		dialer = s.Dialer()
		closers = append(closers, s.Close)
	default:
		dialer = mongostore.NewDialer(a.log)
	}

	pool, err := clients.NewConnectionPool(a.cfg.Pool, a.cfg.Store.Options, dialer, a.log,
		clients.WithName("geodoc-"+a.cfg.Store.Driver))
	if err == nil {
		err = pool.Start()
	}
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, nil, err
	}

	closeAll := func() error {
		err := pool.Shutdown(a.cfg.Pool.WithDefaults().ShutdownTimeout)
		for _, c := range closers {
			err = multierr.Append(err, c())
		}
		return err
	}
	return pool, closeAll, nil
}
