package twitter

import (
	"context"
	"testing"

	"github.com/teamtalima/beastie/db"
	"github.com/teamtalima/beastie/testutil"
)

func TestSeedTokenPostgres(t *testing.T) {
	store := &db.TokenStore{DB: testutil.SetupTestDB(t)}
	ctx := context.Background()
	clear := func() { _, _ = store.DB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = $1`, Provider) }
	clear()
	t.Cleanup(clear)

	seeded, err := SeedToken(ctx, store, "access-1", "refresh-1")
	if err != nil || !seeded {
		t.Fatalf("SeedToken() = %v, %v; want true, nil", seeded, err)
	}
	seeded, err = SeedToken(ctx, store, "access-2", "refresh-2")
	if err != nil || seeded {
		t.Fatalf("second SeedToken() = %v, %v; want false, nil", seeded, err)
	}

	tok, ok, err := store.Get(ctx, Provider)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if tok.AccessToken != "access-1" || tok.RefreshToken != "refresh-1" {
		t.Errorf("stored token = %+v, want the first seed", tok)
	}
}
