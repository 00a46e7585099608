// Package storetest opens throwaway local stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vonshlovens/fieldsync/internal/store"
)

// Open creates a migrated store in a temp dir and closes it when the test ends
func Open(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "fieldsync.db"), opts...)
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
