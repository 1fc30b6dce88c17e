// livedb-schema creates the snapshot and op tables of a SQL-backed store.
// It's configured by flags or LIVEDB_* environment variables, eg:
//
//	LIVEDB_DSN=postgres://localhost/livedb livedb-schema apply
//	livedb-schema print-ddl --store.dialect=sqlite --store.ops-table=board_ops
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alimasry/livedb-postgres/store"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// Config is the top-level configuration object of livedb-schema.
var Config = new(struct {
	Store store.Config `group:"Store" namespace:"store" env-namespace:"LIVEDB"`
	Log   struct {
		Level string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		JSON  bool   `long:"json" env:"JSON" description:"Log as JSON rather than text"`
	} `group:"Logging" namespace:"log" env-namespace:"LIVEDB_LOG"`
})

type applySchema struct{}

func (applySchema) Execute([]string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	s, err := store.OpenSQLStore(Config.Store)
	if err != nil {
		return err
	}
	defer s.Close()

	if err = s.ApplySchema(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"dialect":   Config.Store.Dialect,
		"snapshots": Config.Store.SnapshotTable,
		"ops":       Config.Store.OpsTable,
	}).Info("schema applied")
	return nil
}

type printDDL struct{}

func (printDDL) Execute([]string) error {
	dialect, err := store.DialectByName(Config.Store.Dialect)
	if err != nil {
		return err
	}
	for _, stmt := range dialect.Schema(Config.Store.SnapshotTable, Config.Store.OpsTable) {
		fmt.Printf("%s;\n\n", stmt)
	}
	return nil
}

type printConfig struct {
	parser *flags.Parser
}

func (p printConfig) Execute([]string) error {
	flags.NewIniParser(p.parser).Write(os.Stdout, flags.IniIncludeDefaults|flags.IniCommentDefaults)
	return nil
}

func newParser() *flags.Parser {
	parser := flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("apply", "Create snapshot and op tables", `
Connect to the configured database and create the snapshot and op tables,
with their primary keys, if they don't already exist. Applying the schema
to a database which already has it is a no-op.
`, &applySchema{})

	_, _ = parser.AddCommand("print-ddl", "Print the schema DDL and exit", `
Print the statements which "apply" would run for the configured dialect and
table names, without connecting to a database.
`, &printDDL{})

	_, _ = parser.AddCommand("print-config", "Print the resolved configuration and exit", `
Print the configuration resolved from flags and environment variables, in INI format.
`, &printConfig{parser: parser})

	// Logging is configured before any command executes.
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if lvl, err := log.ParseLevel(Config.Log.Level); err == nil {
			log.SetLevel(lvl)
		}
		if Config.Log.JSON {
			log.SetFormatter(&log.JSONFormatter{})
		}
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}
	return parser
}

func main() {
	if _, err := newParser().Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok {
			if flagErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1) // Already printed by the parser.
		}
		log.WithField("err", err).Fatal("livedb-schema failed")
	}
}
