package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ledgerdesk.org/internal/migrate"
	"ledgerdesk.org/internal/obs"
)

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "read migrations from this directory instead of the embedded set")
		timeout = flag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	flag.Parse()

	log := obs.NewLogger(obs.EnvLocal, os.Stderr)
	if *dsn == "" {
		log.Error("missing DSN: provide via -dsn or DATABASE_URL")
		os.Exit(2)
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [-dsn DSN] [-dir DIR] up|down|status")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	files := migrate.Migrations()
	if *dir != "" {
		files = os.DirFS(*dir)
	}
	mgr := migrate.NewManager(db, files)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Error("unknown command", "command", cmd)
		os.Exit(2)
	}
	if err != nil {
		log.Error("migrate failed", "command", cmd, "error", err)
		os.Exit(1)
	}
	log.Info("migrate done", "command", cmd)
}
