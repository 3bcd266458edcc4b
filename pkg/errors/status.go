package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// SIP status codes produced from errors
const (
	SIPStatusServerInternalError   = 500
	SIPStatusNotImplemented        = 501
	SIPStatusCallDoesNotExist      = 481
	SIPStatusRequestPending        = 491
	SIPStatusServiceUnavailable    = 503
	SIPStatusServerTimeout         = 504
	SIPStatusNotAcceptableHere     = 488
	SIPStatusRequestEntityTooLarge = 513
)

// Ordered so the most specific sentinel wins when an error wraps several.
var sipStatusCodes = []struct {
	err    error
	status int
}{
	{ErrDialogNotFound, SIPStatusCallDoesNotExist},
	{ErrRequestPending, SIPStatusRequestPending},
	{ErrUnknownMethod, SIPStatusNotImplemented},
	{ErrNotImplemented, SIPStatusNotImplemented},
	{ErrMessageTooLarge, SIPStatusRequestEntityTooLarge},
	{ErrSDPParse, SIPStatusServerInternalError},
	{ErrCallCreation, SIPStatusServerInternalError},
	{ErrCSeqOutOfOrder, SIPStatusServerInternalError},
}

// SIPStatusFromError determines the SIP status code a request failing with err is answered with.
func SIPStatusFromError(err error) int {
	if err == nil {
		return 200
	}
	for _, m := range sipStatusCodes {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return SIPStatusServerInternalError
}

var errorStatusCodes = []struct {
	err    error
	status int
}{
	{ErrNotFound, http.StatusNotFound},
	{ErrDialogNotFound, http.StatusNotFound},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrDecode, http.StatusBadRequest},
	{ErrSDPParse, http.StatusBadRequest},
	{ErrNotImplemented, http.StatusNotImplemented},
	{ErrTimeout, http.StatusGatewayTimeout},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{ErrAlreadyExists, http.StatusConflict},
	{ErrResourceExhausted, http.StatusTooManyRequests},
	{ErrFailedPrecondition, http.StatusPreconditionFailed},
	{ErrCanceled, http.StatusRequestTimeout},
	{ErrNetworkFailure, http.StatusBadGateway},
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	for _, m := range errorStatusCodes {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// WriteError writes a standardized error response to the HTTP response writer
func WriteError(w http.ResponseWriter, err error) {
	var statusCode int
	var response map[string]interface{}

	var serr *Error
	switch {
	case err == nil:
		statusCode = http.StatusInternalServerError
		response = map[string]interface{}{"error": "Unknown error"}
	case errors.As(err, &serr):
		statusCode = HTTPStatusFromError(serr)
		response = serr.AsJSON()
	default:
		statusCode = HTTPStatusFromError(err)
		response = map[string]interface{}{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(response)
}
