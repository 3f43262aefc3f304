package session

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	blob, err := store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, blob)

	require.NoError(t, store.Save(ctx, []byte(`[{"name":"sid"}]`)))
	blob, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte(`[{"name":"sid"}]`), blob)
}

func TestPostgresStoreSaveUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithDB(mock)
	require.NoError(t, err)

	blob := []byte(`[{"name":"sid","value":"abc"}]`)
	mock.ExpectExec("INSERT INTO scraper_sessions").
		WithArgs(sessionKey, blob, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), blob))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithDB(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT cookies FROM scraper_sessions").
		WithArgs(sessionKey).
		WillReturnError(pgx.ErrNoRows)

	blob, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, blob)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadReturnsBlob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithDB(mock)
	require.NoError(t, err)

	blob := []byte(`[{"name":"sid"}]`)
	rows := pgxmock.NewRows([]string{"cookies"}).AddRow(blob)
	mock.ExpectQuery("SELECT cookies FROM scraper_sessions").
		WithArgs(sessionKey).
		WillReturnRows(rows)

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, blob, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
