// Package errors defines the error taxonomy shared by the vending components.
// Every rejection that reaches the host carries one of the codes below.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind groups codes by how the machine recovers from them.
type Kind string

const (
	KindInvalid Kind = "invalid" // malformed or out-of-range request, nothing mutated
	KindBusy    Kind = "busy"    // conflicts with an operation in progress, nothing mutated
	KindTimeout Kind = "timeout" // hardware watchdog fired, actuators already stopped
)

// Code is the machine-readable error identifier sent to the host.
type Code string

const (
	CodeInvalidRequest      Code = "invalid_request"
	CodeMissingParameter    Code = "missing_parameter"
	CodeInvalidParameter    Code = "invalid_parameter"
	CodeInvalidAmount       Code = "invalid_amount"
	CodeUnknownTarget       Code = "unknown_target"
	CodeUnknownInstance     Code = "unknown_instance"
	CodeUnknownCommand      Code = "unknown_command"
	CodeUnpayableAmount     Code = "unpayable_amount"
	CodeBusy                Code = "busy"
	CodeTimeout             Code = "timeout"
	CodeChangeTimeout       Code = "change_timeout"
	CodePaperOut            Code = "paper_out"
	CodePaperOutDuringCycle Code = "paper_out_during_cycle"
	CodeHardwareFault       Code = "hardware_fault"
)

var codeKinds = map[Code]Kind{
	CodeInvalidRequest:      KindInvalid,
	CodeMissingParameter:    KindInvalid,
	CodeInvalidParameter:    KindInvalid,
	CodeInvalidAmount:       KindInvalid,
	CodeUnknownTarget:       KindInvalid,
	CodeUnknownInstance:     KindInvalid,
	CodeUnknownCommand:      KindInvalid,
	CodeUnpayableAmount:     KindInvalid,
	CodeBusy:                KindBusy,
	CodeTimeout:             KindTimeout,
	CodeChangeTimeout:       KindTimeout,
	CodePaperOut:            KindTimeout,
	CodePaperOutDuringCycle: KindTimeout,
	CodeHardwareFault:       KindTimeout,
}

// Error is a structured failure with a code and optional detail.
type Error struct {
	Code   Code
	Kind   Kind
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

// New creates an Error for code. The kind is derived from the code.
func New(code Code, detail string) *Error {
	kind, ok := codeKinds[code]
	if !ok {
		kind = KindInvalid
	}
	return &Error{Code: code, Kind: kind, Detail: detail}
}

// Newf creates an Error with a formatted detail.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Busy creates a busy rejection for the named instance.
func Busy(name string) *Error {
	return New(CodeBusy, name+" is busy")
}

// MissingParameter creates a rejection for a command that lacks param.
func MissingParameter(param string) *Error {
	return New(CodeMissingParameter, param+" is required")
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// IsKind reports whether err belongs to kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// CodeOf returns the code carried by err, or CodeInvalidRequest for foreign errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInvalidRequest
}
