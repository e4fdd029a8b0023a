package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	})
	return store
}

func newRecord(clientID, outcome string, createdAt time.Time) *types.ExchangeRecord {
	return &types.ExchangeRecord{
		ID:               uuid.NewString(),
		ClientID:         clientID,
		TokenURI:         "https://api.example.com/oauth/token",
		RedirectBackHost: "app.example.com",
		Scope:            types.StringSlice{"read", "write"},
		Outcome:          outcome,
		DurationMillis:   42,
		ClientIP:         "192.0.2.1",
		CreatedAt:        createdAt,
	}
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	store := newSQLiteStore(t)
	assert.Equal(t, "sqlite", store.dbType)

	t.Run("RecordAndList", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, store.RecordExchange(newRecord("foo", types.OutcomeSuccess, now.Add(-time.Minute))))

		failed := newRecord("foo", types.OutcomeExchangeError, now)
		failed.Error = "invalid_grant: Code expired"
		require.NoError(t, store.RecordExchange(failed))

		require.NoError(t, store.RecordExchange(newRecord("bar", types.OutcomeSuccess, now)))

		records, err := store.ListExchanges("foo", 0)
		require.NoError(t, err)
		require.Len(t, records, 2)

		assert.Equal(t, failed.ID, records[0].ID)
		assert.Equal(t, types.OutcomeExchangeError, records[0].Outcome)
		assert.Equal(t, "invalid_grant: Code expired", records[0].Error)
		assert.Equal(t, types.StringSlice{"read", "write"}, records[0].Scope)
		assert.Equal(t, types.OutcomeSuccess, records[1].Outcome)

		all, err := store.ListExchanges("", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		limited, err := store.ListExchanges("", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("DefaultsAreFilled", func(t *testing.T) {
		record := newRecord("baz", types.OutcomeSuccess, time.Time{})
		record.Scope = nil
		require.NoError(t, store.RecordExchange(record))

		assert.False(t, record.CreatedAt.IsZero())

		records, err := store.ListExchanges("baz", 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, types.StringSlice{}, records[0].Scope)
	})

	t.Run("DuplicateIDFails", func(t *testing.T) {
		record := newRecord("qux", types.OutcomeSuccess, time.Now())
		require.NoError(t, store.RecordExchange(record))
		assert.Error(t, store.RecordExchange(record))
	})
}

func TestCleanupExchangeRecords(t *testing.T) {
	store := newSQLiteStore(t)

	old := newRecord("foo", types.OutcomeSuccess, time.Now().Add(-DefaultRetention-time.Hour))
	recent := newRecord("foo", types.OutcomeSuccess, time.Now().Add(-time.Hour))
	require.NoError(t, store.RecordExchange(old))
	require.NoError(t, store.RecordExchange(recent))

	deleted, err := store.CleanupExchangeRecords(DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	records, err := store.ListExchanges("foo", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, recent.ID, records[0].ID)

	deleted, err = store.CleanupExchangeRecords(DefaultRetention)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database tests in short mode")
	}

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping database tests: TEST_DATABASE_DSN is not set")
	}
	store, err := New(dsn)
	if err != nil {
		t.Skipf("Skipping database tests: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	}()

	clientID := "client-" + uuid.NewString()
	record := newRecord(clientID, types.OutcomeSuccess, time.Now())
	require.NoError(t, store.RecordExchange(record))

	records, err := store.ListExchanges(clientID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record.ID, records[0].ID)
}
