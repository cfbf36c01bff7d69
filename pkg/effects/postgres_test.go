package effects

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLedger(t *testing.T) (*PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresLedger(db), mock
}

func expectLapsedSweep(mock sqlmock.Sqlmock, key string) {
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM effect_claims WHERE key = $1 AND deadline < NOW()")).
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestPostgresClaimNew(t *testing.T) {
	ledger, mock := newMockLedger(t)

	expectLapsedSweep(mock, "send:1")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO effect_claims")).
		WithArgs("send:1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claim, err := ledger.Claim(context.Background(), "send:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, claim.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimDuplicate(t *testing.T) {
	ledger, mock := newMockLedger(t)

	expectLapsedSweep(mock, "send:1")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO effect_claims")).
		WithArgs("send:1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, result FROM effect_claims WHERE key = $1")).
		WithArgs("send:1").
		WillReturnRows(sqlmock.NewRows([]string{"state", "result"}).
			AddRow("committed", []byte(`{"message_id":"m-1"}`)))

	claim, err := ledger.Claim(context.Background(), "send:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, claim.Status)
	assert.JSONEq(t, `{"message_id":"m-1"}`, string(claim.Result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimInFlight(t *testing.T) {
	ledger, mock := newMockLedger(t)

	expectLapsedSweep(mock, "send:1")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO effect_claims")).
		WithArgs("send:1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, result FROM effect_claims WHERE key = $1")).
		WithArgs("send:1").
		WillReturnRows(sqlmock.NewRows([]string{"state", "result"}).
			AddRow("pending", nil))

	claim, err := ledger.Claim(context.Background(), "send:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicateInFlight, claim.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimAfterCommittedRecordExpired(t *testing.T) {
	ledger, mock := newMockLedger(t)

	// The lapsed-record sweep drops the expired committed row, so the
	// insert wins the key and the effect runs again.
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM effect_claims WHERE key = $1 AND deadline < NOW()")).
		WithArgs("send:1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO effect_claims")).
		WithArgs("send:1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claim, err := ledger.Claim(context.Background(), "send:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, claim.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimEmptyKey(t *testing.T) {
	ledger, _ := newMockLedger(t)
	_, err := ledger.Claim(context.Background(), "", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestPostgresCommit(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE effect_claims SET state = 'committed', result = $2 WHERE key = $1")).
		WithArgs("send:1", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ledger.Commit(context.Background(), "send:1", []byte(`{}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitUnknownKey(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE effect_claims")).
		WithArgs("missing", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ledger.Commit(context.Background(), "missing", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresFailReleasesPending(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM effect_claims WHERE key = $1 AND state = 'pending'")).
		WithArgs("send:1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ledger.Fail(context.Background(), "send:1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailKeepsCommitted(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM effect_claims WHERE key = $1 AND state = 'pending'")).
		WithArgs("send:1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM effect_claims WHERE key = $1")).
		WithArgs("send:1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("committed"))

	// Committed results are immutable, Fail is a no-op without error.
	require.NoError(t, ledger.Fail(context.Background(), "send:1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailUnknownKey(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM effect_claims WHERE key = $1 AND state = 'pending'")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM effect_claims WHERE key = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	err := ledger.Fail(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
