package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrNotImplemented     = errors.New("not implemented")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("resource already exists")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")

	// Signaling errors
	ErrDecode          = errors.New("SIP message decode failed")
	ErrSDPParse        = errors.New("SDP parse failed")
	ErrCallCreation    = errors.New("call creation failed")
	ErrUnknownMethod   = errors.New("unknown SIP method")
	ErrDialogNotFound  = errors.New("dialog does not exist")
	ErrTagInUse        = errors.New("local tag already in use")
	ErrRequestPending  = errors.New("request pending")
	ErrCSeqOutOfOrder  = errors.New("CSeq out of order")
	ErrMessageTooLarge = errors.New("SIP message too large")

	// Media errors
	ErrUnknownProfile   = errors.New("unknown AI profile")
	ErrUnsupportedCodec = errors.New("no supported codec in offer")
	ErrNoAudioMedia     = errors.New("offer has no audio media")
	ErrNetworkFailure   = errors.New("network failure")
)

// Error represents a structured error with caller location and additional context
type Error struct {
	original error
	message  string
	fields   map[string]interface{}

	stackPC uintptr
	file    string
	line    int

	// Code is an optional error code for categorization
	Code string
}

func newAt(skip int, original error, message, code string, fields []map[string]interface{}) *Error {
	pc, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		stackPC:  pc,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, errors.New(message), message, "", fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newAt(1, err, message, "", fields)
}

func (e *Error) clone(extra int) *Error {
	result := *e
	result.fields = make(map[string]interface{}, len(e.fields)+extra)
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return &result
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}

	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}

	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}

	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether any error in err's tree matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewNotFound creates a new ErrNotFound error with additional context
func NewNotFound(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrNotFound, message, "NOT_FOUND", fields)
}

// NewInvalidInput creates a new ErrInvalidInput error with additional context
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrInvalidInput, message, "INVALID_INPUT", fields)
}

// NewInternalError creates a new ErrInternalError with additional context
func NewInternalError(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrInternalError, message, "INTERNAL_ERROR", fields)
}

// NewNotImplemented creates a new ErrNotImplemented error with additional context
func NewNotImplemented(message string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrNotImplemented, message, "NOT_IMPLEMENTED", fields)
}

// NewDecode reports a SIP message whose header block could not be understood.
func NewDecode(details string, fields ...map[string]interface{}) *Error {
	return newAt(1, ErrDecode, "decode: "+details, "DECODE_ERROR", fields)
}

// NewSDPParse reports an SDP body that could not be parsed.
func NewSDPParse(err error, fields ...map[string]interface{}) *Error {
	message := "sdp"
	if err != nil {
		message = "sdp: " + err.Error()
	}
	return newAt(1, ErrSDPParse, message, "SDP_PARSE_ERROR", fields)
}

// NewCallCreation wraps a failure of the media collaborator.
func NewCallCreation(cause error, fields ...map[string]interface{}) *Error {
	original := ErrCallCreation
	if cause != nil {
		original = fmt.Errorf("%w: %w", ErrCallCreation, cause)
	}
	return newAt(1, original, "", "CALL_CREATION_ERROR", fields)
}

// NewDialogNotFound reports an in-dialog request for an unknown Call-ID.
func NewDialogNotFound(callID string) *Error {
	return newAt(1, ErrDialogNotFound, "dialog not found: "+callID, "DIALOG_NOT_FOUND",
		[]map[string]interface{}{{"call_id": callID}})
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
