package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajitpratap0/geodoc/pkg/config"
	"github.com/ajitpratap0/geodoc/pkg/dao"
	"github.com/ajitpratap0/geodoc/pkg/errors"
	"github.com/ajitpratap0/geodoc/pkg/json"
	"github.com/ajitpratap0/geodoc/pkg/logger"
	"github.com/ajitpratap0/geodoc/pkg/store"
)

func (a *app) pingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the store is reachable",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			pool, closePool, err := a.connect()
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, closePool()) }()

			lease, err := pool.Acquire(ctx)
			if err != nil {
				return err
			}
			defer lease.Release()

			tables, err := lease.TableList(ctx)
			if err != nil {
				return err
			}
			return json.MarshalToWriter(cmd.OutOrStdout(), map[string]interface{}{
				"driver": a.cfg.Store.Driver,
				"tables": tables,
				"pool":   pool.Stats(),
			})
		},
	}
}

func (a *app) initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the configured tables and indexes",
		Long: `Create every table listed under "tables" in the configuration, with its
declared indexes. Existing tables and indexes are left alone.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(a.cfg.Tables) == 0 {
				return errors.New(errors.ErrorTypeConfig, "no tables configured")
			}
			ctx := cmd.Context()
			pool, closePool, err := a.connect()
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, closePool()) }()

			for _, tc := range a.cfg.Tables {
				if err := provision(ctx, pool, schemaFor(tc), a.log); err != nil {
					return err
				}
				a.log.Info("table ready", zap.String("table", tc.Name))
			}
			return nil
		},
	}
}

func (a *app) watchCommand() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "watch <table>",
		Short: "Stream a table's change feed as JSON lines",
		Long: `Stream changes to a table until interrupted. Each line is a JSON object
with "old_val" and "new_val". --filter takes a MongoDB extended JSON query, e.g.

  geodoc watch places --filter '{"rank": {"$gt": 10}}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			query, err := parseFilter(args[0], filter)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = logger.ContextWith(ctx, zap.String("command", "watch"))

			pool, closePool, err := a.connect()
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, closePool()) }()

			schema := dao.Schema{TableName: args[0], PrimaryKeyField: a.primaryKey(args[0])}
			d, err := dao.New[store.Document, interface{}](pool, schema, dao.WithLogger(a.log))
			if err != nil {
				return err
			}
			feed, err := d.ChangesWhere(ctx, query)
			if err != nil {
				return err
			}
			defer feed.Close()

			logger.WithContext(ctx, a.log).Info("watching table", zap.String("table", args[0]))
			return writeChanges(ctx, cmd.OutOrStdout(), feed)
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "Extended JSON filter selecting the rows to watch")
	return cmd
}

// changeLine is the JSON form of one change feed element.
type changeLine struct {
	OldVal store.Document `json:"old_val"`
	NewVal store.Document `json:"new_val"`
}

func writeChanges(ctx context.Context, w io.Writer, feed *dao.Feed[store.Document]) error {
	for {
		e, ok := feed.Next(ctx)
		if !ok {
			return feed.Err()
		}
		line := changeLine{}
		if e.Old != nil {
			line.OldVal = *e.Old
		}
		if e.New != nil {
			line.NewVal = *e.New
		}
		if err := json.MarshalToWriter(w, line); err != nil {
			return err
		}
	}
}

func parseFilter(table, raw string) (dao.Query, error) {
	if raw == "" {
		return nil, nil
	}
	var filter bson.M
	if err := bson.UnmarshalExtJSON([]byte(raw), false, &filter); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid --filter").
			WithDetail("table", table)
	}
	return func(t store.Term) store.Term { return t.Filter(filter) }, nil
}

// primaryKey returns the configured primary key of table, or "id".
func (a *app) primaryKey(table string) string {
	for _, tc := range a.cfg.Tables {
		if tc.Name == table {
			return tc.PrimaryKey
		}
	}
	return "id"
}

func schemaFor(tc config.TableConfig) dao.Schema {
	var indices dao.IndexSet
	for _, idx := range tc.Indices {
		indices = indices.Add(dao.IndexDescriptor{Fields: idx.Fields, Geo: idx.Geo})
	}
	return dao.Schema{
		TableName:       tc.Name,
		PrimaryKeyField: tc.PrimaryKey,
		PrimaryKeyType:  tc.PrimaryKeyType,
		Indices:         indices,
	}
}

// provision runs InitTable for schema, keyed by the declared primary key type.
func provision(ctx context.Context, p store.Provider, schema dao.Schema, log *zap.Logger) error {
	switch schema.PrimaryKeyType {
	case "string":
		return initTable[string](ctx, p, schema, log)
	case "int64":
		return initTable[int64](ctx, p, schema, log)
	case "":
		return initTable[interface{}](ctx, p, schema, log)
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unsupported primary key type %q", schema.PrimaryKeyType).
			WithDetail("table", schema.TableName)
	}
}

func initTable[PK comparable](ctx context.Context, p store.Provider, schema dao.Schema, log *zap.Logger) error {
	d, err := dao.New[store.Document, PK](p, schema, dao.WithLogger(log))
	if err != nil {
		return err
	}
	return d.InitTable(ctx)
}
