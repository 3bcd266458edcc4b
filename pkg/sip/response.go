package sip

import (
	"bytes"
	"strconv"
	"strings"
)

// Status is a response status line.
type Status struct {
	Code   int
	Reason string
}

func (s Status) String() string {
	return strconv.Itoa(s.Code) + " " + s.Reason
}

// Statuses the connector sends.
var (
	StatusTrying           = Status{100, "Trying"}
	StatusOK               = Status{200, "OK"}
	StatusCallDoesNotExist = Status{481, "Call/Transaction Does Not Exist"}
	StatusRequestPending   = Status{491, "Request Pending"}
	StatusServerError      = Status{500, "Internal Server Error"}
	StatusNotImplemented   = Status{501, "Not Implemented"}
	StatusUnavailable      = Status{503, "Service Unavailable"}
)

// StatusFor returns the status line for a code, with the RFC 3261 reason phrase.
func StatusFor(code int) Status {
	return Status{Code: code, Reason: reasonPhrase(code)}
}

func reasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 491:
		return "Request Pending"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Server Time-out"
	case 513:
		return "Message Too Large"
	default:
		return "Unknown"
	}
}

// AllowHeader lists the methods the connector understands.
const AllowHeader = "INVITE, ACK, CANCEL, OPTIONS, BYE"

// ResponseBuilder renders responses with a fixed header order. Output depends
// only on its inputs.
type ResponseBuilder struct {
	contact string
}

// NewResponseBuilder creates a builder whose Contact points at advertisedIP.
func NewResponseBuilder(advertisedIP string) *ResponseBuilder {
	return &ResponseBuilder{
		contact: "<sip:ai@" + advertisedIP + ";transport=tcp>",
	}
}

// Contact returns the Contact header value placed in every response.
func (b *ResponseBuilder) Contact() string {
	return b.contact
}

// Build renders a response to req. localTag is appended to To only when it is
// non-empty and To carries no tag yet.
func (b *ResponseBuilder) Build(req *Message, status Status, localTag string, body []byte) []byte {
	to := req.Header("to")
	if localTag != "" && !hasTagParam(to) {
		to += ";tag=" + localTag
	}

	var buf bytes.Buffer
	buf.Grow(256 + len(body))

	writeLine := func(parts ...string) {
		for _, p := range parts {
			buf.WriteString(p)
		}
		buf.WriteString("\r\n")
	}

	writeLine("SIP/2.0 ", status.String())
	writeLine("Via: ", req.Via())
	writeLine("To: ", to)
	writeLine("From: ", req.Header("from"))
	writeLine("Call-ID: ", req.Header("call-id"))
	writeLine("Contact: ", b.contact)
	writeLine("CSeq: ", req.CSeq)
	writeLine("Allow: ", AllowHeader)
	writeLine("Content-Length: ", strconv.Itoa(len(body)))
	buf.WriteString("\r\n")
	buf.Write(body)

	return buf.Bytes()
}

// hasTagParam reports whether a From/To value carries a tag parameter outside
// the URI's angle brackets.
func hasTagParam(value string) bool {
	params := value
	if i := strings.LastIndexByte(value, '>'); i >= 0 {
		params = value[i+1:]
	} else if i := strings.IndexByte(value, ';'); i >= 0 {
		params = value[i:]
	} else {
		return false
	}

	for _, p := range strings.Split(params, ";") {
		name, _, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(strings.TrimSpace(name), "tag") {
			return true
		}
	}
	return false
}
