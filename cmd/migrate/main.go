package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/billing-engine/pkg/config"
	"github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/logger"
	"github.com/angelmondragon/billing-engine/pkg/migrate"
)

const usage = `usage: migrate [-dir path] <command>

commands:
  up               apply pending migrations
  down             roll back the latest migration
  status           show applied and pending migrations
  to <version>     move the schema to version (YYYYMMDDHHMMSS)
  create <name>    write a new empty migration into -dir
  validate         check migration files without a database
`

func main() {
	dir := flag.String("dir", migrate.DefaultDir, "migrations directory; the default uses the embedded set")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	if err := run(context.Background(), *dir, args); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dir string, args []string) error {
	// create and validate never touch the database or the config.
	switch args[0] {
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("create needs a name")
		}
		path, err := migrate.Create(dir, args[1], time.Now())
		if err != nil {
			return err
		}
		fmt.Println("created", path)
		return nil
	case "validate":
		if err := migrate.Validate(migrate.Source(dir)); err != nil {
			return err
		}
		fmt.Println("migrations valid")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "command": args[0]})

	client, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer client.Close()
	sqlDB, err := client.DB().DB()
	if err != nil {
		return err
	}
	migrator, err := migrate.New(sqlDB, migrate.Source(dir))
	if err != nil {
		return err
	}

	switch args[0] {
	case "up":
		applied, err := migrator.Up(ctx)
		if err != nil {
			return err
		}
		logg.Info(logg.WithField(ctx, "applied", applied), "migrations applied")
	case "down":
		if err := migrator.Down(ctx); err != nil {
			return err
		}
		logg.Info(ctx, "latest migration rolled back")
	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tFILE")
		for _, st := range statuses {
			applied := "-"
			if !st.AppliedAt.IsZero() {
				applied = st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Source.Version, st.State, applied, st.Source.Path)
		}
		return w.Flush()
	case "to":
		if len(args) < 2 {
			return fmt.Errorf("to needs a version")
		}
		target, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := migrator.To(ctx, target); err != nil {
			return err
		}
		logg.Info(logg.WithField(ctx, "version", target), "schema moved to version")
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}
