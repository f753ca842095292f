// Command migrate applies the embedded escrowd schema with goose.
//
//	migrate [-dsn URL] [-timeout 1m] up | down | status | version | redo
//	migrate up-to <version> | down-to <version>
//
// The DSN defaults to DATABASE_URL, read from the environment or a .env file.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/migrations"
)

func main() {
	_ = godotenv.Load()

	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	timeout := flag.Duration("timeout", time.Minute, "give up after this long")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate [flags] up|down|status|version|redo|up-to N|down-to N")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *dsn == "" {
		logger.Error("no database configured: set DATABASE_URL or pass -dsn")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	command, args := flag.Arg(0), flag.Args()[1:]
	if err := run(ctx, *dsn, command, args); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return migrations.Run(ctx, db, command, args...)
}
