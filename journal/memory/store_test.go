package memory

import (
	"testing"

	"github.com/purchasekit/purchasekit/journal/tests"
)

func TestJournal_MemoryStore(t *testing.T) {
	store := NewInMemory()

	teardown := func() {
		store.(*InMemoryStore).reset()
	}

	tests.RunStoreTests(t, store, teardown)
}
