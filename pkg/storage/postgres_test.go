package storage

import (
	"context"
	"testing"
)

func TestNewPostgresStore_InvalidDSN(t *testing.T) {
	ctx := context.Background()

	if _, err := NewPostgresStore(ctx, "", ""); err == nil || err.Error() != "postgres DSN cannot be empty" {
		t.Errorf("empty DSN: unexpected error %v", err)
	}
	if _, err := NewPostgresStore(ctx, "host=localhost port=notaport", ""); err == nil {
		t.Error("expected error for malformed DSN, got nil")
	}
}
