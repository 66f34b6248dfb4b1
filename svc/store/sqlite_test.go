package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testDoc struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Count     int64     `json:"count"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:storetest%d?mode=memory&cache=shared", time.Now().UnixNano())
	s, err := NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "things", testDoc{Name: "a"})
	require.NoError(t, err)
	require.Len(t, id, 20)

	var got testDoc
	require.NoError(t, s.Get(ctx, "things", id, &got))
	require.Equal(t, id, got.ID)
	require.Equal(t, "a", got.Name)
	require.WithinDuration(t, time.Now().UTC(), got.CreatedAt, 5*time.Second)
}

func TestGetMissingDoc(t *testing.T) {
	s := newTestStore(t)

	var got testDoc
	err := s.Get(context.Background(), "things", "nope", &got)
	require.ErrorIs(t, err, ErrDocMissing)
}

func TestUpdateMergesPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "things", testDoc{Name: "a", Kind: "x"})
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, "things", id, map[string]any{"name": "b"}))

	var got testDoc
	require.NoError(t, s.Get(ctx, "things", id, &got))
	require.Equal(t, "b", got.Name)
	require.Equal(t, "x", got.Kind)

	err = s.Update(ctx, "things", "nope", map[string]any{"name": "b"})
	require.ErrorIs(t, err, ErrDocMissing)
}

func TestQueryFiltersAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		kind := "even"
		if i%2 == 1 {
			kind = "odd"
		}
		_, err := s.Create(ctx, "things", testDoc{Name: fmt.Sprintf("n%d", i), Kind: kind})
		require.NoError(t, err)
	}

	docs, err := s.Query(ctx, "things", []Filter{{Field: "kind", Value: "even"}}, Order{}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	docs, err = s.Query(ctx, "things", nil, Order{Desc: true}, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestAtomicIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "things", testDoc{Name: "a"})
	require.NoError(t, err)

	require.NoError(t, s.AtomicIncrement(ctx, "things", id, "count", 3))
	require.NoError(t, s.AtomicIncrement(ctx, "things", id, "count", -1))

	var got testDoc
	require.NoError(t, s.Get(ctx, "things", id, &got))
	require.Equal(t, int64(2), got.Count)

	err = s.AtomicIncrement(ctx, "things", "nope", "count", 1)
	require.ErrorIs(t, err, ErrDocMissing)
}

func TestTransactionCheckThenWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "things", testDoc{Name: "a"})
	require.NoError(t, err)

	// First pass writes the ledger row and increments; the second sees
	// the row and leaves the counter alone.
	for i := 0; i < 2; i++ {
		err = s.Transaction(ctx, func(tx Tx) error {
			seen, err := tx.Exists("ledger", "bucket-1")
			if err != nil {
				return err
			}
			if seen {
				return nil
			}
			if err := tx.Increment("things", id, "count", 1); err != nil {
				return err
			}
			return tx.Create("ledger", "bucket-1", map[string]any{"ref": id})
		})
		require.NoError(t, err)
	}

	var got testDoc
	require.NoError(t, s.Get(ctx, "things", id, &got))
	require.Equal(t, int64(1), got.Count)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "things", testDoc{Name: "a"})
	require.NoError(t, err)

	err = s.Transaction(ctx, func(tx Tx) error {
		if err := tx.Increment("things", id, "count", 1); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	var got testDoc
	require.NoError(t, s.Get(ctx, "things", id, &got))
	require.Zero(t, got.Count)
}

func TestTransactionCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx Tx) error {
		return tx.Create("ledger", "dup", map[string]any{"n": 1})
	})
	require.NoError(t, err)

	err = s.Transaction(ctx, func(tx Tx) error {
		return tx.Create("ledger", "dup", map[string]any{"n": 2})
	})
	require.ErrorIs(t, err, ErrDocExists)
}

func TestCleanupExpiredPastes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	expired, err := s.Create(ctx, Pastes, testDoc{Name: "gone", ExpiresAt: past})
	require.NoError(t, err)
	alive, err := s.Create(ctx, Pastes, testDoc{Name: "kept", ExpiresAt: future})
	require.NoError(t, err)

	deleted, err := s.CleanupExpiredPastes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	var got testDoc
	require.ErrorIs(t, s.Get(ctx, Pastes, expired, &got), ErrDocMissing)
	require.NoError(t, s.Get(ctx, Pastes, alive, &got))
}
