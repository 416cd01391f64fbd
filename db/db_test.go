package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/teamtalima/beastie/crypto"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	db, err := Connect(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConnectRequiresDSN(t *testing.T) {
	if _, err := Connect(""); err == nil {
		t.Error("Connect(\"\") error = nil, want error")
	}
}

func TestCheckTeammateTable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS teammates`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS schema_migrations`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	ok, err := CheckTeammateTable(ctx, db)
	if err != nil {
		t.Fatalf("CheckTeammateTable() error = %v", err)
	}
	if ok {
		t.Fatal("CheckTeammateTable() = true before migrations")
	}

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	ok, err = CheckTeammateTable(ctx, db)
	if err != nil || !ok {
		t.Fatalf("CheckTeammateTable() = %v, %v after migrations", ok, err)
	}

	// A second run is a no-op.
	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() second run error = %v", err)
	}
	version, dirty, err := MigrationVersion(db)
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("MigrationVersion() = %d, %v; want 2, false", version, dirty)
	}
}

func TestTokenStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	key := make([]byte, 32)
	_, _ = rand.Read(key)
	sealer, err := crypto.NewAESSealer(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}

	for name, store := range map[string]*TokenStore{
		"plaintext": {DB: db},
		"encrypted": {DB: db, Sealer: sealer},
	} {
		t.Run(name, func(t *testing.T) {
			provider := "test-" + name
			want := Token{
				AccessToken:  "access-" + name,
				RefreshToken: "refresh-" + name,
				Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
				Scope:        "tweet.write offline.access",
			}
			if err := store.Upsert(ctx, provider, want); err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			got, ok, err := store.Get(ctx, provider)
			if err != nil || !ok {
				t.Fatalf("Get() = %v, %v", ok, err)
			}
			if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || got.Scope != want.Scope {
				t.Errorf("Get() = %+v, want %+v", got, want)
			}
			if !got.Expiry.Equal(want.Expiry) {
				t.Errorf("Expiry = %v, want %v", got.Expiry, want.Expiry)
			}
		})
	}

	// An encrypted row cannot be read without the key.
	if _, _, err := (&TokenStore{DB: db}).Get(ctx, "test-encrypted"); err == nil {
		t.Error("Get() of encrypted row without sealer: error = nil")
	}
}

func TestTokenStoreMissing(t *testing.T) {
	db := openTestDB(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	_, ok, err := (&TokenStore{DB: db}).Get(context.Background(), "never-stored")
	if err != nil || ok {
		t.Errorf("Get(missing) = %v, %v; want false, nil", ok, err)
	}
}
