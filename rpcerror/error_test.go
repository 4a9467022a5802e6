package rpcerror

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Timeout("waited %dms", 100)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect %v to match ErrTimeout", err)
	}
	if errors.Is(err, ErrRejected) {
		t.Fatalf("timeout must not match ErrRejected")
	}

	wrapped := fmt.Errorf("call add: %w", err)
	if !errors.Is(wrapped, ErrTimeout) {
		t.Fatalf("expect wrapped error to match ErrTimeout")
	}
}

func TestFromPlainError(t *testing.T) {
	e := From(io.EOF)
	if e.Code != CodeInternal {
		t.Fatalf("expect INTERNAL, got %s", e.Code)
	}
	if !errors.Is(e, io.EOF) {
		t.Fatalf("expect cause to be preserved")
	}
	if From(nil) != nil {
		t.Fatalf("expect nil for nil error")
	}
}

func TestConnectionClosedKeepsCause(t *testing.T) {
	e := ConnectionClosed(io.ErrUnexpectedEOF)
	if CodeOf(e) != CodeConnectionClosed {
		t.Fatalf("expect CONNECTION_CLOSED, got %s", CodeOf(e))
	}
	if !errors.Is(e, io.ErrUnexpectedEOF) {
		t.Fatalf("expect cause to unwrap")
	}
	if e.Error() != "CONNECTION_CLOSED: connection closed: unexpected EOF" {
		t.Fatalf("unexpected message: %q", e.Error())
	}
}
