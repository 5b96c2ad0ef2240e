package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"osis/attendance/internal/config"
	"osis/attendance/internal/db"
	"osis/attendance/internal/migrate"
	"osis/attendance/migrations"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	var (
		dsn     = flag.String("dsn", cfg.DatabaseURL, "PostgreSQL DSN (defaults to DATABASE_URL)")
		noSeeds = flag.Bool("no-seeds", false, "skip the bundled seed files")
		verbose = flag.Bool("v", false, "log each statement goose runs")
		timeout = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := db.Open(ctx, *dsn, 1)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	seeds := migrations.SeedsDir
	if *noSeeds {
		seeds = ""
	}
	mgr, err := migrate.NewManager(conn, migrations.Files, migrate.WithSeedsDir(seeds), migrate.WithVerbose(*verbose))
	if err != nil {
		log.Fatalf("load migrations: %v", err)
	}

	var names []string
	switch flag.Arg(0) {
	case "up":
		names, err = mgr.Up(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if name != "" {
			names = []string{name}
		}
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Fprintln(os.Stderr, "nothing to roll back")
			err = nil
		}
	case "seed":
		names, err = mgr.Seed(ctx)
	case "status":
		var states []migrate.Status
		states, err = mgr.Status(ctx)
		for _, st := range states {
			names = append(names, st.String())
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	for _, name := range names {
		fmt.Println(name)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
