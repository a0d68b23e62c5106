package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/purchasekit/purchasekit/journal/tests"
)

func TestJournal_SQLiteStore(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer store.(*SQLiteStore).Close()

	teardown := func() {
		_, err := store.(*SQLiteStore).db.Exec("DELETE FROM purchase_journal")
		require.NoError(t, err)
	}

	tests.RunStoreTests(t, store, teardown)
}
