package credentials

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		set  func(context.Context, string) error
		get  func(context.Context) (string, error)
	}{
		{"access token", store.SetAccessToken, store.AccessToken},
		{"refresh token", store.SetRefreshToken, store.RefreshToken},
		{"member id", store.SetMemberID, store.MemberID},
		{"member code", store.SetMemberCode, store.MemberCode},
		{"member nickname", store.SetMemberNickname, store.MemberNickname},
		{"couple status", store.SetCoupleStatus, store.CoupleStatus},
	}

	for _, tc := range tests {
		want := "value-" + tc.name
		if err := tc.set(ctx, want); err != nil {
			t.Fatalf("%s: set failed: %v", tc.name, err)
		}
		got, err := tc.get(ctx)
		if err != nil {
			t.Fatalf("%s: get failed: %v", tc.name, err)
		}
		if got != want {
			t.Errorf("%s: expected %q, got %q", tc.name, want, got)
		}
	}
}

func TestSQLiteStore_AbsentKeyIsEmpty(t *testing.T) {
	store := newTestStore(t)

	got, err := store.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error for absent key: %v", err)
	}
	if got != "" {
		t.Errorf("Expected empty string for absent key, got %q", got)
	}
}

func TestSQLiteStore_Overwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetAccessToken(ctx, "first"); err != nil {
		t.Fatalf("First set failed: %v", err)
	}
	if err := store.SetAccessToken(ctx, "second"); err != nil {
		t.Fatalf("Second set failed: %v", err)
	}

	got, err := store.AccessToken(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "second" {
		t.Errorf("Expected overwritten value, got %q", got)
	}
}

func TestSQLiteStore_Clear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetAccessToken(ctx, "tok"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.SetMemberID(ctx, "42"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	for name, get := range map[string]func(context.Context) (string, error){
		"access token": store.AccessToken,
		"member id":    store.MemberID,
	} {
		got, err := get(ctx)
		if err != nil {
			t.Fatalf("%s: get after clear failed: %v", name, err)
		}
		if got != "" {
			t.Errorf("%s: expected empty after clear, got %q", name, got)
		}
	}
}

func TestSQLiteStore_Ping(t *testing.T) {
	store := newTestStore(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "creds.db")
	ctx := context.Background()

	store, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.SetAccessToken(ctx, "persisted"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.AccessToken(ctx)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got != "persisted" {
		t.Errorf("Expected token to survive reopen, got %q", got)
	}
}
