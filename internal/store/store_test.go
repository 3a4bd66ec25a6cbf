package store_test

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/ostrun/internal/store"
	"github.com/stretchr/testify/require"
)

func initDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDB(t.Context(), filepath.Join(t.TempDir(), "builds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStore(t *testing.T) {
	t.Parallel()
	db := initDB(t)
	ctx := t.Context()

	t.Run("get not found", func(t *testing.T) {
		_, err := store.Get(ctx, db, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("start assigns numbers", func(t *testing.T) {
		n, err := store.Start(ctx, db, "a", 0)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = store.Start(ctx, db, "b", 0)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = store.Start(ctx, db, "c", 41)
		require.NoError(t, err)
		require.Equal(t, 41, n)

		n, err = store.Start(ctx, db, "d", -1)
		require.NoError(t, err)
		require.Equal(t, 42, n)
	})

	t.Run("start in progress again", func(t *testing.T) {
		n, err := store.Start(ctx, db, "a", 100)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("finish ok", func(t *testing.T) {
		require.NoError(t, store.FinishOK(ctx, db, "a", 0))
		got, err := store.Get(ctx, db, "a")
		require.NoError(t, err)
		require.False(t, got.InProgress)
		require.NotNil(t, got.Success)
		require.True(t, *got.Success)
		require.NotNil(t, got.ExitCode)
		require.Zero(t, *got.ExitCode)
		require.Nil(t, got.FailureReason)
		require.NotNil(t, got.Stopped)
		require.False(t, got.Started.After(*got.Stopped))

		require.ErrorIs(t, store.FinishOK(ctx, db, "a", 0), store.ErrAlreadyFinished)
		_, err = store.Start(ctx, db, "a", 0)
		require.ErrorIs(t, err, store.ErrAlreadyFinished)
	})

	t.Run("finish err", func(t *testing.T) {
		code := 3
		require.NoError(t, store.FinishErr(ctx, db, "b", &code, "boom"))
		require.NoError(t, store.FinishErr(ctx, db, "c", nil, "context canceled"))

		got, err := store.Get(ctx, db, "b")
		require.NoError(t, err)
		require.False(t, *got.Success)
		require.Equal(t, 3, *got.ExitCode)
		require.Equal(t, "boom", *got.FailureReason)
		require.Contains(t, got.String(), `#2 uuid: "b"`)
		require.Contains(t, got.String(), `failure_reason: "boom"`)

		got, err = store.Get(ctx, db, "c")
		require.NoError(t, err)
		require.Nil(t, got.ExitCode)

		require.ErrorIs(t, store.FinishErr(ctx, db, "nope", nil, ""), store.ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		all, err := store.List(ctx, db, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		require.Equal(t, "d", all[0].UUID)
		require.Contains(t, all[0].String(), "in progress")

		two, err := store.List(ctx, db, 2)
		require.NoError(t, err)
		require.Len(t, two, 2)
		require.Equal(t, "c", two[1].UUID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, db, "d"))
		require.ErrorIs(t, store.Delete(ctx, db, "d"), store.ErrNotFound)
	})
}

func TestInitDB_Memory(t *testing.T) {
	t.Parallel()
	db, err := store.InitDB(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	n, err := store.Start(t.Context(), db, "x", 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
