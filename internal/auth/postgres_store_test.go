package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/puddle/v2"
)

func TestHashSessionToken(t *testing.T) {
	token := "token-to-hash"

	hashed, err := hashSessionToken(token)
	if err != nil {
		t.Fatalf("hashSessionToken: %v", err)
	}
	if hashed == token {
		t.Fatalf("expected hashed token to differ from raw value")
	}
	if len(hashed) != 64 {
		t.Fatalf("expected hex sha256 digest, got %q", hashed)
	}

	repeat, err := hashSessionToken(token)
	if err != nil {
		t.Fatalf("hashSessionToken repeat: %v", err)
	}
	if hashed != repeat {
		t.Fatalf("expected hashing to be deterministic")
	}
}

func TestHashSessionTokenEmpty(t *testing.T) {
	if _, err := hashSessionToken(""); !errors.Is(err, errSessionTokenRequired) {
		t.Fatalf("expected empty token error, got %v", err)
	}
}

func TestIsNoRows(t *testing.T) {
	if !isNoRows(pgx.ErrNoRows) {
		t.Fatalf("expected pgx.ErrNoRows to be treated as no rows")
	}
	if !isNoRows(fmt.Errorf("scan: %w", pgx.ErrNoRows)) {
		t.Fatalf("expected wrapped pgx.ErrNoRows to be treated as no rows")
	}
	if isNoRows(puddle.ErrClosedPool) {
		t.Fatalf("expected closed pool error to not be treated as no rows")
	}
	if isNoRows(errors.New("boom")) {
		t.Fatalf("expected arbitrary error to not be treated as no rows")
	}
	if isNoRows(nil) {
		t.Fatalf("expected nil to not be treated as no rows")
	}
}

func TestPostgresSessionStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresSessionStore(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
	if _, err := NewPostgresSessionStoreWithPool(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil pool")
	}
}
