package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"r2r/internal/config"
	"r2r/internal/logging"
	"r2r/migrations"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	logging.Init("migrate", nil)
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

var loadConfig = config.LoadConfig
var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) }

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "postgres DSN (defaults to storage.postgres_dsn or R2R_POSTGRES_DSN)")
	configPath := fs.String("config", "", "path to config file (JSON or YAML)")
	dir := fs.String("dir", "./migrations", "migrations dir")
	action := fs.String("action", "", "up/down/status/version/redo")
	useEmbed := fs.Bool("embed", false, "use embedded migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*action) == "" {
		return errors.New("action required")
	}
	target, err := resolveDSN(*dsn, *configPath)
	if err != nil {
		return err
	}

	goose.SetDialect("postgres")
	if *useEmbed {
		goose.SetBaseFS(migrations.EmbeddedFS)
		*dir = "."
	}

	db, err := openDB(target)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("running migrations", "action", *action, "dir", *dir, "embedded", *useEmbed)
	switch *action {
	case "up":
		return goose.Up(db, *dir)
	case "down":
		return goose.Down(db, *dir)
	case "status":
		return goose.Status(db, *dir)
	case "version":
		v, err := goose.GetDBVersion(db)
		if err == nil {
			slog.Info("schema version", "version", v)
		}
		return err
	case "redo":
		return goose.Redo(db, *dir)
	default:
		return fmt.Errorf("unknown action %q", *action)
	}
}

func resolveDSN(flagDSN, configPath string) (string, error) {
	if v := strings.TrimSpace(flagDSN); v != "" {
		return v, nil
	}
	if strings.TrimSpace(configPath) != "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return "", err
		}
		return cfg.Storage.PostgresDSN, nil
	}
	if v := strings.TrimSpace(os.Getenv("R2R_POSTGRES_DSN")); v != "" {
		return v, nil
	}
	return "", errors.New("dsn required")
}
