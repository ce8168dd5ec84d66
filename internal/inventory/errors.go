package inventory

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies expected business outcomes.
type Code string

const (
	CodeInsufficientStock       Code = "INSUFFICIENT_STOCK"
	CodeNegativeStock           Code = "NEGATIVE_STOCK"
	CodeSerialStateConflict     Code = "SERIAL_STATE_CONFLICT"
	CodeInvalidSerialTransition Code = "INVALID_SERIAL_TRANSITION"
	CodeUnresolvedLineItems     Code = "UNRESOLVED_LINE_ITEMS"
	CodeDuplicateScanIgnored    Code = "DUPLICATE_SCAN_IGNORED"
	CodeReplayConflict          Code = "REPLAY_CONFLICT"
	CodeInvalidMovement         Code = "INVALID_MOVEMENT"
)

// Error is the typed business error returned by the ledger core. It carries
// the offending warehouse/product (and serial when relevant) plus a
// human-readable reason.
type Error struct {
	Code        Code
	WarehouseID int64
	ProductID   int64
	Serial      string
	Reason      string
	Err         error
}

// Sentinels for errors.Is matching; only the code is compared.
var (
	ErrInsufficientStock       = &Error{Code: CodeInsufficientStock}
	ErrNegativeStock           = &Error{Code: CodeNegativeStock}
	ErrSerialStateConflict     = &Error{Code: CodeSerialStateConflict}
	ErrInvalidSerialTransition = &Error{Code: CodeInvalidSerialTransition}
	ErrUnresolvedLineItems     = &Error{Code: CodeUnresolvedLineItems}
	ErrDuplicateScanIgnored    = &Error{Code: CodeDuplicateScanIgnored}
	ErrReplayConflict          = &Error{Code: CodeReplayConflict}
	ErrInvalidMovement         = &Error{Code: CodeInvalidMovement}
)

// ErrSerialNotFound indicates the serial is unknown in the warehouse.
var ErrSerialNotFound = errors.New("inventory: serial not found")

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("inventory: ")
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " ")))
	var scope []string
	if e.WarehouseID != 0 {
		scope = append(scope, fmt.Sprintf("warehouse %d", e.WarehouseID))
	}
	if e.ProductID != 0 {
		scope = append(scope, fmt.Sprintf("product %d", e.ProductID))
	}
	if e.Serial != "" {
		scope = append(scope, "serial "+e.Serial)
	}
	if len(scope) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(scope, ", "))
		b.WriteString(")")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, warehouseID, productID int64, serial, format string, args ...any) *Error {
	return &Error{
		Code:        code,
		WarehouseID: warehouseID,
		ProductID:   productID,
		Serial:      serial,
		Reason:      fmt.Sprintf(format, args...),
	}
}

// NewError builds a business error for callers outside the package.
func NewError(code Code, warehouseID, productID int64, serial, format string, args ...any) *Error {
	return newError(code, warehouseID, productID, serial, format, args...)
}

// IsBusiness reports whether err is an expected business outcome rather than
// a system failure.
func IsBusiness(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// CodeOf returns the outermost business code of err, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
