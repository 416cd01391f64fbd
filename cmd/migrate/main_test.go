package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/teamtalima/beastie/config"
	"github.com/teamtalima/beastie/crypto"
	"github.com/teamtalima/beastie/db"
	"github.com/teamtalima/beastie/testutil"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestRunAppliesMigrations(t *testing.T) {
	database := testutil.SetupTestDB(t)

	if err := run(context.Background(), database, &config.Config{}, options{}); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	v, dirty, err := db.MigrationVersion(database)
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if v < 2 || dirty {
		t.Errorf("version = %d dirty = %v, want >= 2 and clean", v, dirty)
	}
}

func TestEncryptPlaintext(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	key := testKey(t)
	sealer, err := crypto.NewAESSealer(key)
	if err != nil {
		t.Fatalf("NewAESSealer() error = %v", err)
	}

	t.Cleanup(func() { _, _ = database.Exec(`DELETE FROM oauth_tokens WHERE provider = 'test-provider'`) })
	plain := &db.TokenStore{DB: database}
	if err := plain.Upsert(ctx, "test-provider", db.Token{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	sealed := &db.TokenStore{DB: database, Sealer: sealer}

	n, err := encryptPlaintext(ctx, database, sealed, "test-provider", true)
	if err != nil || n != 1 {
		t.Fatalf("dry run = %d, %v; want 1, nil", n, err)
	}
	var version int
	if err := database.QueryRowContext(ctx, `SELECT encryption_version FROM oauth_tokens WHERE provider = 'test-provider'`).Scan(&version); err != nil {
		t.Fatalf("query: %v", err)
	}
	if version != 0 {
		t.Fatalf("dry run changed encryption_version to %d", version)
	}

	if n, err := encryptPlaintext(ctx, database, sealed, "test-provider", false); err != nil || n != 1 {
		t.Fatalf("encryptPlaintext() = %d, %v; want 1, nil", n, err)
	}
	tok, ok, err := sealed.Get(ctx, "test-provider")
	if err != nil || !ok || tok.AccessToken != "a" || tok.RefreshToken != "r" {
		t.Errorf("Get() after encryption = %+v, %v, %v", tok, ok, err)
	}
	if _, _, err := plain.Get(ctx, "test-provider"); err == nil {
		t.Error("reading an encrypted token without a key should fail")
	}
}

func TestRunEncryptRequiresKey(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if err := run(context.Background(), database, &config.Config{}, options{encrypt: true}); err == nil {
		t.Error("run() with --encrypt-tokens and no key should fail")
	}
}
