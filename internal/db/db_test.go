package db

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestDetectDialectFromDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://billing@localhost/billing":      DialectPostgres,
		"host=localhost user=billing dbname=ledger": DialectPostgres,
		"file:billing.db":                           DialectSQLite,
		"sqlite:///var/lib/billing.db":              DialectSQLite,
		"data/billing.db":                           DialectSQLite,
	}
	for dsn, want := range cases {
		got, errDetect := detectDialectFromDSN(dsn)
		if errDetect != nil {
			t.Fatalf("detect %q: %v", dsn, errDetect)
		}
		if got != want {
			t.Fatalf("detect %q: expected %s, got %s", dsn, want, got)
		}
	}
	if _, errDetect := detectDialectFromDSN("mysql://root@localhost/db"); errDetect == nil {
		t.Fatalf("expected error for mysql dsn")
	}
}

func TestEnsureSQLiteParamsKeepsExplicitValues(t *testing.T) {
	got := ensureSQLiteParams("file:billing.db?_busy_timeout=100")
	if strings.Contains(got, "_busy_timeout=5000") {
		t.Fatalf("expected explicit busy timeout to win, got %s", got)
	}
	if !strings.Contains(got, "_journal_mode=WAL") {
		t.Fatalf("expected WAL default, got %s", got)
	}
	if !strings.Contains(got, "_pragma=busy_timeout(5000)") {
		t.Fatalf("expected per-connection busy timeout pragma, got %s", got)
	}
}

func TestSQLitePathFromDSN(t *testing.T) {
	cases := map[string]string{
		"file:data/billing.db?_journal_mode=WAL": "data/billing.db",
		"file::memory:":                          "",
		":memory:":                               "",
		"data/billing.db?_busy_timeout=1":        "data/billing.db",
	}
	for dsn, want := range cases {
		if got := sqlitePathFromDSN(dsn); got != want {
			t.Fatalf("path %q: expected %q, got %q", dsn, want, got)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("expected postgres unique violation")
	}
	if !IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: billing_webhook_events.provider, billing_webhook_events.event_id (2067)")) {
		t.Fatalf("expected sqlite unique violation")
	}
	if IsUniqueViolation(errors.New("no such table")) {
		t.Fatalf("unexpected unique violation")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("expected serialization failure to be retryable")
	}
	if !IsRetryable(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatalf("expected sqlite busy to be retryable")
	}
	if IsRetryable(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("unique violation must not be retryable")
	}
}
