package request

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMissingReference(t *testing.T) {
	fk := &pgconn.PgError{Code: "23503", ConstraintName: "requests_service_id_fkey"}

	constraint, ok := missingReference(fk)
	if !ok || constraint != "requests_service_id_fkey" {
		t.Fatalf("expected fk violation to be recognized, got (%q, %v)", constraint, ok)
	}

	if _, ok := missingReference(fmt.Errorf("request: insert: %w", fk)); !ok {
		t.Fatal("expected wrapped fk violation to be recognized")
	}

	if _, ok := missingReference(&pgconn.PgError{Code: "23505"}); ok {
		t.Fatal("unique violation is not a dangling reference")
	}
	if _, ok := missingReference(errors.New("connection reset")); ok {
		t.Fatal("plain error is not a dangling reference")
	}
}
