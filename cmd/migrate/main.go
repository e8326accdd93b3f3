package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/peermarket-backend/pkg/config"
	"github.com/angelmondragon/peermarket-backend/pkg/db"
	"github.com/angelmondragon/peermarket-backend/pkg/logger"
	"github.com/angelmondragon/peermarket-backend/pkg/migrate"
)

type options struct {
	dir     string
	name    string
	version string
}

// schemaTarget is the database a command operates on.
type schemaTarget struct {
	sqlDB   *sql.DB
	dialect string
}

type command struct {
	usage   string
	needsDB bool
	run     func(ctx context.Context, opts options, target schemaTarget) error
}

var commands = map[string]command{
	"up":     {usage: "apply all pending migrations", needsDB: true, run: gooseCommand("up")},
	"down":   {usage: "roll back the latest migration", needsDB: true, run: gooseCommand("down")},
	"redo":   {usage: "roll back and re-apply the latest migration", needsDB: true, run: gooseCommand("redo")},
	"status": {usage: "print applied and pending migrations", needsDB: true, run: gooseCommand("status")},
	"version": {
		usage:   "migrate up or down to -version",
		needsDB: true,
		run: func(ctx context.Context, opts options, target schemaTarget) error {
			if opts.version == "" {
				return errors.New("missing -version")
			}
			return migrate.MigrateToVersion(ctx, target.sqlDB, target.dialect, opts.dir, opts.version)
		},
	},
	"create": {
		usage: "write an empty SQL migration named -name",
		run: func(_ context.Context, opts options, _ schemaTarget) error {
			if opts.name == "" {
				return errors.New("missing -name")
			}
			path, err := migrate.CreateSQLMigration(opts.dir, opts.name, time.Now())
			if err != nil {
				return err
			}
			fmt.Println("created migration:", path)
			return nil
		},
	},
	"validate": {
		usage: "check migration file names and goose annotations",
		run: func(_ context.Context, opts options, _ schemaTarget) error {
			if err := migrate.ValidateDir(opts.dir); err != nil {
				return err
			}
			fmt.Println("migration validation passed")
			return nil
		},
	},
}

func gooseCommand(name string) func(context.Context, options, schemaTarget) error {
	return func(ctx context.Context, opts options, target schemaTarget) error {
		return migrate.Run(ctx, target.sqlDB, target.dialect, opts.dir, name)
	}
}

func commandNames() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	cmdName := flag.String("cmd", "up", "migration command: "+commandNames())
	var opts options
	flag.StringVar(&opts.dir, "dir", migrate.DefaultDir, "goose migrations directory")
	flag.StringVar(&opts.name, "name", "", "migration name (create)")
	flag.StringVar(&opts.version, "version", "", "target version YYYYMMDDHHMMSS (version)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: migrate -cmd <%s> [flags]\n", commandNames())
		for _, name := range strings.Split(commandNames(), "|") {
			fmt.Fprintf(flag.CommandLine.Output(), "  %-9s %s\n", name, commands[name].usage)
		}
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd, ok := commands[*cmdName]
	if !ok {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(logg, *cmdName, cmd, opts); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", *cmdName, err)
		os.Exit(1)
	}
}

func run(logg *logger.Logger, name string, cmd command, opts options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": name,
		"dir": opts.dir,
	})

	var target schemaTarget
	if cmd.needsDB {
		client, err := db.New(ctx, cfg.DB, logg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logg.Error(ctx, "error closing database", err)
			}
		}()
		sqlDB, err := client.DB().DB()
		if err != nil {
			return fmt.Errorf("sql handle: %w", err)
		}
		target = schemaTarget{sqlDB: sqlDB, dialect: migrate.Dialect(cfg.DB.Driver)}
	}

	logg.Info(ctx, "migrate starting")
	if err := cmd.run(ctx, opts, target); err != nil {
		logg.Error(ctx, "migrate command failed", err)
		return err
	}
	logg.Info(ctx, "migrate finished")
	return nil
}
