package kvstore

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresStore_Get_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, "executions")

	rows := sqlmock.NewRows([]string{"pk", "sk", "attributes", "ttl_epoch"}).
		AddRow("tenant1#intent1", "attempt", []byte(`{"status":"RUNNING"}`), int64(0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pk, sk, attributes, ttl_epoch FROM executions WHERE pk=$1 AND sk=$2")).
		WithArgs("tenant1#intent1", "attempt", sqlmock.AnyArg()).
		WillReturnRows(rows)

	item, err := store.Get(context.Background(), "tenant1#intent1", "attempt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Attributes["status"] != "RUNNING" {
		t.Fatalf("expected status RUNNING, got %v", item.Attributes["status"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, "executions")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pk, sk, attributes, ttl_epoch FROM executions WHERE pk=$1 AND sk=$2")).
		WithArgs("tenant1#missing", "attempt", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"pk", "sk", "attributes", "ttl_epoch"}))

	_, err = store.Get(context.Background(), "tenant1#missing", "attempt")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestPostgresStore_PutConditional_RequireNotExistsConflict exercises the
// ON CONFLICT DO NOTHING path (§C5 exactly-once start lock): a 0-row
// affected count from the conditional insert must surface as
// ErrConditionFailed, not success.
func TestPostgresStore_PutConditional_RequireNotExistsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, "executions")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pk, sk, attributes, ttl_epoch FROM executions WHERE pk=$1 AND sk=$2")).
		WithArgs("tenant1#intent1", "attempt").
		WillReturnRows(sqlmock.NewRows([]string{"pk", "sk", "attributes", "ttl_epoch"}))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO executions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.PutConditional(context.Background(), Item{
		PK: "tenant1#intent1", SK: "attempt",
		Attributes: map[string]any{"status": "RUNNING"},
		TTLEpoch:   time.Now().Add(time.Hour).Unix(),
	}, Condition{RequireNotExists: true})

	if err != ErrConditionFailed {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_PutConditional_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, "executions")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pk, sk, attributes, ttl_epoch FROM executions WHERE pk=$1 AND sk=$2")).
		WithArgs("tenant1#intent2", "attempt").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO executions")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.PutConditional(context.Background(), Item{
		PK: "tenant1#intent2", SK: "attempt",
		Attributes: map[string]any{"status": "RUNNING"},
	}, Condition{RequireNotExists: true})

	if err != nil {
		t.Fatalf("PutConditional: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
