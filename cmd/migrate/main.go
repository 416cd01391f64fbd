// Command migrate prepares the bot's database: it applies the versioned schema
// migrations, seeds the Twitter user token from the environment and can encrypt
// tokens stored before ENCRYPTION_KEY was configured.
//
// Usage:
//
//	migrate [--down] [--version] [--encrypt-tokens [--provider NAME] [--dry-run]]
//
// Flags:
//
//	--down: roll back the most recent migration and exit
//	--version: print the current schema version and exit
//	--encrypt-tokens: re-store plaintext tokens (encryption_version=0) encrypted
//	--provider: with --encrypt-tokens, only this provider (default: all)
//	--dry-run: with --encrypt-tokens, list what would change without writing
//
// Environment Variables:
//
//	DB_DSN: database connection string
//	ENCRYPTION_KEY: base64 encoded 32 byte key (required for --encrypt-tokens)
//	TWITTER_ACCESS_TOKEN, TWITTER_REFRESH_TOKEN: initial Twitter token seed
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/teamtalima/beastie/config"
	"github.com/teamtalima/beastie/crypto"
	"github.com/teamtalima/beastie/db"
	"github.com/teamtalima/beastie/twitter"
)

func main() {
	down := flag.Bool("down", false, "Roll back the most recent migration")
	version := flag.Bool("version", false, "Print the current migration version")
	encrypt := flag.Bool("encrypt-tokens", false, "Encrypt plaintext OAuth tokens")
	provider := flag.String("provider", "", "Encrypt tokens for this provider only (default: all)")
	dryRun := flag.Bool("dry-run", false, "Show what --encrypt-tokens would change without writing")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("err", err))
		os.Exit(1)
	}

	if err := run(ctx, database, cfg, options{down: *down, version: *version, encrypt: *encrypt, provider: *provider, dryRun: *dryRun}); err != nil {
		slog.Error("migrate failed", slog.Any("err", err))
		os.Exit(1)
	}
}

type options struct {
	down     bool
	version  bool
	encrypt  bool
	provider string
	dryRun   bool
}

func run(ctx context.Context, database *sql.DB, cfg *config.Config, opts options) error {
	switch {
	case opts.version:
		v, dirty, err := db.MigrationVersion(database)
		if err != nil {
			return err
		}
		slog.Info("schema version", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty))
		return nil
	case opts.down:
		return db.MigrateDown(database)
	}

	if err := db.RunMigrations(database); err != nil {
		return err
	}

	store := &db.TokenStore{DB: database}
	if cfg.EncryptionKey != "" {
		sealer, err := crypto.NewAESSealer(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		store.Sealer = sealer
	}

	seeded, err := twitter.SeedToken(ctx, store, cfg.TwitterAccessToken, cfg.TwitterRefreshToken)
	if err != nil {
		return err
	}
	if seeded {
		slog.Info("twitter token seeded", slog.Bool("encrypted", store.Sealer != nil))
	}

	if opts.encrypt {
		if store.Sealer == nil {
			return errors.New("ENCRYPTION_KEY is required for --encrypt-tokens")
		}
		n, err := encryptPlaintext(ctx, database, store, opts.provider, opts.dryRun)
		if err != nil {
			return err
		}
		slog.Info("token encryption finished", slog.Int("tokens", n), slog.Bool("dry_run", opts.dryRun))
	}
	return nil
}

// encryptPlaintext re-stores every encryption_version=0 token (of provider, when
// set) through the sealing store and returns how many tokens were, or in a dry run
// would be, rewritten.
func encryptPlaintext(ctx context.Context, database *sql.DB, sealed *db.TokenStore, provider string, dryRun bool) (int, error) {
	query := `SELECT provider FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0`
	var args []any
	if provider != "" {
		query += ` AND provider = $1`
		args = append(args, provider)
	}
	rows, err := database.QueryContext(ctx, query+` ORDER BY provider`, args...)
	if err != nil {
		return 0, fmt.Errorf("query plaintext tokens: %w", err)
	}
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate token rows: %w", err)
	}
	rows.Close()

	plain := &db.TokenStore{DB: database}
	for _, p := range providers {
		logger := slog.With(slog.String("provider", p))
		if dryRun {
			logger.Info("would encrypt token (dry-run)")
			continue
		}
		tok, ok, err := plain.Get(ctx, p)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if err := sealed.Upsert(ctx, p, tok); err != nil {
			return 0, err
		}
		logger.Info("token encrypted")
	}
	return len(providers), nil
}
