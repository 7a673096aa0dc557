package store

import (
	"errors"
	"fmt"

	mcerrors "github.com/mediacache/mediacache/pkg/errors"
)

// SQLite primary result codes the store classifies.
const (
	sqliteIOErr   = 10
	sqliteCorrupt = 11
	sqliteFull    = 13
	sqliteNotADB  = 26
)

func sqliteCode(err error) int {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code() & 0xff
	}
	return 0
}

// classifyWrite maps a storage engine failure to a typed error. A full disk
// or database becomes QUOTA_EXCEEDED so callers can fall back to a transient
// handle.
func classifyWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	code := mcerrors.ErrCodeStorageWrite
	if sqliteCode(err) == sqliteFull {
		code = mcerrors.ErrCodeQuotaExceeded
	}
	return mcerrors.NewError(code, fmt.Sprintf("%s failed", op)).
		WithComponent("store").
		WithOperation(op).
		WithCause(err)
}

func classifyRead(op string, err error) error {
	if err == nil {
		return nil
	}
	e := mcerrors.NewError(mcerrors.ErrCodeStorageRead, fmt.Sprintf("%s failed", op)).
		WithComponent("store").
		WithOperation(op).
		WithCause(err)
	switch sqliteCode(err) {
	case sqliteCorrupt, sqliteNotADB:
		e.WithDetail("corrupt", true)
	case sqliteIOErr:
		e.WithDetail("io", true)
	}
	return e
}
