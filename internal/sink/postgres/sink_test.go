package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

func newMockSink(t *testing.T, table string, columns []string) (*Sink, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	mock.ExpectPing()
	sink, err := NewWithPool(context.Background(), mock, table, columns)
	require.NoError(t, err)
	return sink, mock
}

func TestSaveCopiesRows(t *testing.T) {
	t.Parallel()

	sink, mock := newMockSink(t, "", []string{"url", "title", "price"})
	mock.ExpectCopyFrom(pgx.Identifier{"listings"}, []string{"url", "title", "price"}).
		WillReturnResult(2)

	err := sink.Save(context.Background(), []crawler.Item{
		{"url": "https://a", "title": "Shirt", "price": "NT$990", "ignored": true},
		{"url": "https://b", "title": "Shoe"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSchemaQualifiedTable(t *testing.T) {
	t.Parallel()

	sink, mock := newMockSink(t, "crawl.movies", []string{"id", "name"})
	mock.ExpectCopyFrom(pgx.Identifier{"crawl", "movies"}, []string{"id", "name"}).
		WillReturnResult(1)

	require.NoError(t, sink.Save(context.Background(), []crawler.Item{{"id": 7, "name": "Heat"}}))
	require.NoError(t, sink.Save(context.Background(), nil), "empty batches skip the round trip")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveReportsCopyFailures(t *testing.T) {
	t.Parallel()

	sink, mock := newMockSink(t, "listings", []string{"url"})
	mock.ExpectCopyFrom(pgx.Identifier{"listings"}, []string{"url"}).
		WillReturnError(errors.New("relation does not exist"))
	err := sink.Save(context.Background(), []crawler.Item{{"url": "https://a"}})
	require.ErrorContains(t, err, "copy into")

	mock.ExpectCopyFrom(pgx.Identifier{"listings"}, []string{"url"}).WillReturnResult(1)
	err = sink.Save(context.Background(), []crawler.Item{{"url": "https://a"}, {"url": "https://b"}})
	require.ErrorContains(t, err, "wrote 1 of 2 rows")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(context.Background(), nil, "listings", []string{"url"})
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(context.Background(), mock, "bad-name;", []string{"url"})
	require.Error(t, err)
	_, err = NewWithPool(context.Background(), mock, "listings", nil)
	require.Error(t, err)
	_, err = NewWithPool(context.Background(), mock, "listings", []string{"url; drop"})
	require.Error(t, err)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	_, err = NewWithPool(context.Background(), mock, "listings", []string{"url"})
	require.ErrorContains(t, err, "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestColumnValue(t *testing.T) {
	t.Parallel()

	v, err := columnValue(map[string]any{"a": 1})
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, v)

	v, err = columnValue(uint8(3))
	require.NoError(t, err)
	require.Equal(t, "3", v)

	v, err = columnValue(nil)
	require.NoError(t, err)
	require.Nil(t, v)
}
