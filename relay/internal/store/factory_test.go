package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agentrelay/arc/relay/internal/config"
)

func TestNewSelectsDriver(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.StorageConfig{Driver: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("expected *MemoryStore, got %T", s)
	}

	s, err = New(ctx, config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "arc.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("expected *SQLiteStore, got %T", s)
	}

	if _, err := New(ctx, config.StorageConfig{Driver: "mongo"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
