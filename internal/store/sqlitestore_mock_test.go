package store

import (
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// Failure paths are driven through sqlmock so they don't depend on coaxing a
// real sqlite file into an error state.

func TestTouchLastLoginPropagatesExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := &SQLiteStore{db: db, path: "mock.db"}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET last_login_at=? WHERE id=?`)).
		WithArgs(sqlmock.AnyArg(), "usr-1").
		WillReturnError(errors.New("disk I/O error"))

	if err := s.TouchLastLogin("usr-1"); err == nil {
		t.Fatalf("expected exec error to propagate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCleanupConversationsPropagatesQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := &SQLiteStore{db: db, path: "mock.db"}

	mock.ExpectQuery(`SELECT id FROM conversations`).
		WillReturnError(errors.New("database is locked"))

	if _, err := s.CleanupConversations(30); err == nil {
		t.Fatalf("expected query error to propagate")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStatsSurvivesMissingTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := &SQLiteStore{db: db, path: "mock.db"}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM documents`)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM chunks`)).
		WillReturnError(errors.New("no such table: chunks"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM conversations`)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM users`)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))

	st := s.Stats()
	if st.Documents != 3 || st.Chunks != 0 || st.Conversations != 1 || st.Users != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
