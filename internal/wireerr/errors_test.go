package wireerr

import (
	"testing"

	"github.com/pgdogdev/pgdog-sub003/internal/wire"
)

func TestErrorResponseFields(t *testing.T) {
	e := CrossShardDisabled()
	msg := e.ErrorResponse()
	fields, err := wire.DecodeErrorResponse(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fields[wire.FieldCode] != "58000" {
		t.Errorf("code = %q, want 58000", fields[wire.FieldCode])
	}
	if fields[wire.FieldSeverity] != string(SeverityError) {
		t.Errorf("severity = %q, want ERROR", fields[wire.FieldSeverity])
	}
}

func TestFatalSeverity(t *testing.T) {
	if !ClientIdleTimeout().Fatal() {
		t.Errorf("ClientIdleTimeout should be fatal")
	}
	if CheckoutTimeout().Fatal() {
		t.Errorf("CheckoutTimeout should not be fatal")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := New(SeverityError, "XXYYY", "cause")
	wrapped := Wrap(cause, SeverityError, "08006", "connect failed")
	if wrapped.Unwrap() != cause {
		t.Errorf("Unwrap did not return the wrapped cause")
	}
}
