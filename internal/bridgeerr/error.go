// Package bridgeerr implements the stable, versioned error shape the gateway
// surfaces to external callers: {kind, message, context}. Internal detail
// (wire bytes, raw driver errors) belongs in Context and is never formatted
// into Message.
package bridgeerr

import "fmt"

// Kind is one of the taxonomy entries named in the error handling design.
type Kind string

const (
	KindNotConnected           Kind = "NotConnected"
	KindIoError                Kind = "IoError"
	KindClosed                 Kind = "Closed"
	KindMagicMismatch          Kind = "MagicMismatch"
	KindBadLength              Kind = "BadLength"
	KindBadChecksum            Kind = "BadChecksum"
	KindTruncated              Kind = "Truncated"
	KindUnexpectedCommandId    Kind = "UnexpectedCommandId"
	KindRequestTimeout         Kind = "RequestTimeout"
	KindConnectTimeout         Kind = "ConnectTimeout"
	KindReadTimeout            Kind = "ReadTimeout"
	KindOutOfEnvelope          Kind = "OutOfEnvelope"
	KindAlarmActive            Kind = "AlarmActive"
	KindInvalidStateForOp      Kind = "InvalidStateForOperation"
	KindBridgeHalted           Kind = "BridgeHalted"
	KindEmergencyActive        Kind = "EmergencyActive"
	KindDriverUnavailable      Kind = "DriverUnavailable"
	KindConnectionLost         Kind = "ConnectionLost"
	KindCancelled              Kind = "Cancelled"
	KindInitializationFailed   Kind = "InitializationFailed"
)

// Error is the concrete type behind every error this module returns across a
// component boundary (Driver -> Bridge, Bridge -> Adapter).
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
}

func New(kind Kind, message string, context map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Context: context}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf lets call sites branch on taxonomy without string-matching Error().
func (e *Error) KindOf() Kind {
	return e.Kind
}

// Is supports errors.Is(err, bridgeerr.New(kind, "", nil)) by comparing Kind only.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Transport builds a Transport-taxonomy error (NotConnected, IoError, Closed).
func Transport(kind Kind, message string, context map[string]any) *Error {
	return New(kind, message, context)
}

// Timeout builds a Timeout-taxonomy error (RequestTimeout, ConnectTimeout, ReadTimeout).
func Timeout(kind Kind, message string, context map[string]any) *Error {
	return New(kind, message, context)
}

// Semantic builds a Semantic-taxonomy error (OutOfEnvelope, AlarmActive, InvalidStateForOperation).
func Semantic(kind Kind, message string, context map[string]any) *Error {
	return New(kind, message, context)
}

// Coordinator builds a Coordinator-taxonomy error (BridgeHalted, EmergencyActive, DriverUnavailable).
func Coordinator(kind Kind, message string, context map[string]any) *Error {
	return New(kind, message, context)
}
