package httpcache

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestL1Cache(t *testing.T) (*L1Cache, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l2 := NewStore(db)
	l1 := NewL1Cache(L1Config{Addr: mr.Addr()}, l2)
	t.Cleanup(func() { l1.Close() })
	return l1, mock
}

func TestL1CacheSetPopulatesRedis(t *testing.T) {
	l1, mock := newTestL1Cache(t)
	mock.ExpectExec("INSERT INTO http_interaction").WillReturnResult(sqlmock.NewResult(1, 1))

	in := &Interaction{RequestMethod: "GET", RequestURL: "https://drone.example/api/repos/acme/widgets/builds/7", ResponseStatus: 200}
	require.NoError(t, l1.Set(context.Background(), in))

	got, err := l1.Get(context.Background(), "GET", in.RequestURL)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, in.RequestURL, got.RequestURL)
}

func TestL1CacheGetFallsThroughToStoreOnMiss(t *testing.T) {
	l1, mock := newTestL1Cache(t)
	now := time.Now()
	mock.ExpectQuery("SELECT (.|\n)*FROM http_interaction").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "request_url", "request_method", "request_headers", "request_params", "request_body",
			"response_status", "response_headers", "response_body", "created_at", "updated_at",
		}).AddRow(1, "https://drone.example/api/repos/acme/widgets/builds/7", "GET", "", "", "", 200, "", "{}", now, now))

	got, err := l1.Get(context.Background(), "GET", "https://drone.example/api/repos/acme/widgets/builds/7")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 200, got.ResponseStatus)
}
