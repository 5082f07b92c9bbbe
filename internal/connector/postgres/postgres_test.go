package postgres

import (
	"context"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/lychee-technology/fedaccel"
)

// TestTableProviderScanWithMockPool mirrors the
// TestInsertPersistentRecordWithMockPool shape: build a pgxmock pool, set
// up expectations in order, and run the real tableProvider against it
// rather than a live database.
func TestTableProviderScanWithMockPool(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	rows := pgxmock.NewRows([]string{"id", "name"}).
		AddRow(int32(1), "alice").
		AddRow(int32(2), "bob")
	mock.ExpectQuery(`^SELECT \* FROM "public"\."widgets" WHERE TRUE$`).WillReturnRows(rows)

	tp := &tableProvider{pool: mock, schema: "public", table: "widgets"}
	stream, err := tp.Scan(ctx, nil, nil, 0)
	require.NoError(t, err)
	defer stream.Close()

	rec, err := stream.Next(ctx)
	require.NoError(t, err)
	defer rec.Release()
	require.EqualValues(t, 2, rec.NumRows())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableProviderInsertOverwriteWithMockPool(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.MatchExpectationsInOrder(true)

	mock.ExpectBegin()
	mock.ExpectExec(`^TRUNCATE TABLE "public"\."widgets"$`).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))
	mock.ExpectCommit()

	tp := &tableProvider{pool: mock, schema: "public", table: "widgets"}
	n, err := tp.Insert(ctx, emptyStream{}, fedaccel.InsertOverwrite)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	require.NoError(t, mock.ExpectationsWereMet())
}

// emptyStream is a RecordBatchStream with no batches, enough to exercise
// Insert's truncate-then-commit path without needing arrow fixtures.
type emptyStream struct{}

func (emptyStream) Next(ctx context.Context) (fedaccel.RecordBatch, error) { return nil, io.EOF }

func (emptyStream) Schema() *arrow.Schema { return nil }

func (emptyStream) Close() error { return nil }
