package memory

import (
	"testing"

	"github.com/skywatch/corroborate/internal/storage"
	"github.com/skywatch/corroborate/internal/storage/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		s := New()
		t.Cleanup(func() { s.Close() })
		return s
	})
}
