package sip

import (
	"strings"

	sipparser "github.com/emiago/sipgo/sip"
)

// MethodKind is the closed set of request methods the state machine
// distinguishes. Anything else is MethodOther.
type MethodKind int

const (
	MethodOther MethodKind = iota
	MethodInvite
	MethodAck
	MethodBye
	MethodOptions
	MethodCancel
)

// Method is a request method. Name keeps the wire spelling for MethodOther.
type Method struct {
	Kind MethodKind
	Name string
}

// ParseMethod classifies a method token. SIP methods are case-sensitive.
func ParseMethod(name string) Method {
	switch name {
	case "INVITE":
		return Method{Kind: MethodInvite, Name: name}
	case "ACK":
		return Method{Kind: MethodAck, Name: name}
	case "BYE":
		return Method{Kind: MethodBye, Name: name}
	case "OPTIONS":
		return Method{Kind: MethodOptions, Name: name}
	case "CANCEL":
		return Method{Kind: MethodCancel, Name: name}
	default:
		return Method{Kind: MethodOther, Name: name}
	}
}

func (m Method) String() string {
	return m.Name
}

// compactForms maps RFC 3261 section 7.3.3 compact header names.
var compactForms = map[string]string{
	"i": "call-id",
	"m": "contact",
	"e": "content-encoding",
	"l": "content-length",
	"c": "content-type",
	"f": "from",
	"s": "subject",
	"k": "supported",
	"t": "to",
	"v": "via",
}

// CanonicalHeaderName lower-cases name and expands compact forms.
func CanonicalHeaderName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if long, ok := compactForms[lower]; ok {
		return long
	}
	return lower
}

// Headers maps canonical header names to their values in wire order.
// Values are kept verbatim apart from surrounding whitespace.
type Headers map[string][]string

// Get returns the first value of name, or "".
func (h Headers) Get(name string) string {
	if values := h[CanonicalHeaderName(name)]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Values returns every value of name.
func (h Headers) Values(name string) []string {
	return h[CanonicalHeaderName(name)]
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	return len(h[CanonicalHeaderName(name)]) > 0
}

func (h Headers) add(name, value string) {
	key := CanonicalHeaderName(name)
	h[key] = append(h[key], value)
}

// Message is the decoded form of one framed SIP message. It is not modified
// after Decode returns.
type Message struct {
	// Request fields
	Method         Method
	RequestURI     string
	RequestURIUser string

	// Response fields, zero for requests
	StatusCode int
	Reason     string

	Headers Headers
	Body    []byte

	CallID     string
	FromTag    string
	ToTag      string
	CSeq       string
	CSeqNum    uint32
	CSeqMethod string
	Branch     string

	// Parsed is the grammar parser's view of the header block.
	Parsed sipparser.Message
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool {
	return m.StatusCode == 0
}

// Header returns the first value of a header, case-insensitively.
func (m *Message) Header(name string) string {
	return m.Headers.Get(name)
}

// Via returns the topmost Via value verbatim.
func (m *Message) Via() string {
	return m.Headers.Get("via")
}
