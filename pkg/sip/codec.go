package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"ai-voice-connector/pkg/errors"

	sipparser "github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
)

var headerTerminator = []byte("\r\n\r\n")

// Codec turns framed bytes into Messages. The header grammar is delegated to
// the sipgo parser; raw header values are kept verbatim for response echoing.
type Codec struct {
	parser *sipparser.Parser
}

// NewCodec creates a codec. It is safe for concurrent use.
func NewCodec() *Codec {
	return &Codec{parser: sipparser.NewParser()}
}

// Decode parses one complete message. The body is cut to the declared
// Content-Length. Every failure matches errors.ErrDecode.
func (c *Codec) Decode(raw []byte) (*Message, error) {
	idx := bytes.Index(raw, headerTerminator)
	if idx < 0 {
		return nil, errors.NewDecode("missing header terminator")
	}
	headerBlock := raw[:idx]
	body := raw[idx+len(headerTerminator):]

	lines := splitHeaderLines(string(headerBlock))
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, errors.NewDecode("empty start line")
	}
	if !validStartLine(lines[0]) {
		return nil, errors.NewDecode(fmt.Sprintf("malformed start line %q", lines[0]))
	}

	headers := make(Headers)
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.NewDecode(fmt.Sprintf("malformed header line %q", line))
		}
		name = CanonicalHeaderName(name)
		value = strings.TrimSpace(value)
		if name == "via" {
			for _, v := range splitTopLevel(value, ',') {
				headers.add(name, v)
			}
			continue
		}
		headers.add(name, value)
	}

	if cl := headers.Get("content-length"); cl != "" {
		declared, err := strconv.Atoi(cl)
		if err != nil || declared < 0 {
			return nil, errors.NewDecode(fmt.Sprintf("invalid Content-Length %q", cl))
		}
		if declared > len(body) {
			return nil, errors.NewDecode(fmt.Sprintf("body shorter than Content-Length %d", declared))
		}
		body = body[:declared]
	}

	framed := make([]byte, 0, idx+len(headerTerminator)+len(body))
	framed = append(framed, headerBlock...)
	framed = append(framed, headerTerminator...)
	framed = append(framed, body...)

	parsed, err := c.parser.ParseSIP(framed)
	if err != nil {
		return nil, errors.NewDecode(err.Error())
	}

	msg := &Message{
		Headers: headers,
		Body:    append([]byte(nil), body...),
		Parsed:  parsed,
	}

	switch m := parsed.(type) {
	case *sipparser.Request:
		msg.Method = ParseMethod(string(m.Method))
		msg.RequestURIUser = m.Recipient.User
		if parts := strings.Fields(lines[0]); len(parts) >= 2 {
			msg.RequestURI = parts[1]
		}
	case *sipparser.Response:
		msg.StatusCode = m.StatusCode
		msg.Reason = m.Reason
	default:
		return nil, errors.NewDecode("unknown message type")
	}

	if err := populateDialogFields(msg, parsed); err != nil {
		return nil, err
	}
	return msg, nil
}

func populateDialogFields(msg *Message, parsed sipparser.Message) error {
	callID := parsed.CallID()
	if callID == nil || strings.TrimSpace(callID.Value()) == "" {
		return errors.NewDecode("missing Call-ID")
	}
	msg.CallID = callID.Value()

	from := parsed.From()
	if from == nil {
		return errors.NewDecode("missing From")
	}
	if from.Params != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			msg.FromTag = tag
		}
	}

	to := parsed.To()
	if to == nil {
		return errors.NewDecode("missing To")
	}
	if to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			msg.ToTag = tag
		}
	}

	cseq := parsed.CSeq()
	if cseq == nil {
		return errors.NewDecode("missing CSeq")
	}
	msg.CSeq = msg.Headers.Get("cseq")
	msg.CSeqNum = cseq.SeqNo
	msg.CSeqMethod = string(cseq.MethodName)

	via := parsed.Via()
	if via == nil || msg.Via() == "" {
		return errors.NewDecode("missing Via")
	}
	if via.Params != nil {
		if branch, ok := via.Params.Get("branch"); ok {
			msg.Branch = branch
		}
	}
	return nil
}

// validStartLine accepts "METHOD URI SIP/2.0" and "SIP/2.0 CODE REASON".
func validStartLine(line string) bool {
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return false
	}
	if parts[0] == "SIP/2.0" {
		code, err := strconv.Atoi(parts[1])
		return err == nil && code >= 100 && code <= 699
	}
	return len(parts) == 3 && parts[2] == "SIP/2.0"
}

// splitHeaderLines splits a header block into logical lines, unfolding
// continuation lines that start with whitespace.
func splitHeaderLines(block string) []string {
	raw := strings.Split(strings.ReplaceAll(block, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if len(lines) > 1 && line != "" && (line[0] == ' ' || line[0] == '\t') {
			lines[len(lines)-1] += " " + strings.TrimSpace(line)
			continue
		}
		lines = append(lines, strings.TrimRight(line, "\r"))
	}
	return lines
}

// splitTopLevel splits on sep outside quoted strings and angle brackets.
func splitTopLevel(value string, sep byte) []string {
	var parts []string
	depth := 0
	quoted := false
	start := 0
	for i := 0; i < len(value); i++ {
		switch ch := value[i]; {
		case ch == '"' && (i == 0 || value[i-1] != '\\'):
			quoted = !quoted
		case quoted:
		case ch == '<':
			depth++
		case ch == '>' && depth > 0:
			depth--
		case ch == sep && depth == 0:
			if part := strings.TrimSpace(value[start:i]); part != "" {
				parts = append(parts, part)
			}
			start = i + 1
		}
	}
	if part := strings.TrimSpace(value[start:]); part != "" {
		parts = append(parts, part)
	}
	return parts
}

// ParseSDP parses an SDP body after removing a=rtcp: lines, which some
// endpoints emit in forms the SDP grammar rejects.
func ParseSDP(body []byte) (*sdp.SessionDescription, error) {
	cleaned := stripRTCPAttributes(body)
	if len(bytes.TrimSpace(cleaned)) == 0 {
		return nil, errors.NewSDPParse(fmt.Errorf("empty body"))
	}

	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(cleaned); err != nil {
		return nil, errors.NewSDPParse(err)
	}
	return sd, nil
}

func stripRTCPAttributes(body []byte) []byte {
	lines := bytes.SplitAfter(body, []byte("\n"))
	out := make([]byte, 0, len(body))
	for _, line := range lines {
		if bytes.HasPrefix(bytes.TrimLeft(line, " \t"), []byte("a=rtcp:")) {
			continue
		}
		out = append(out, line...)
	}
	return out
}

// Media direction attribute values
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

// MediaDirection returns the direction of the first media section. A media
// section without a direction attribute inherits the session-level one; ""
// means neither level sets it.
func MediaDirection(sd *sdp.SessionDescription) string {
	if sd == nil {
		return ""
	}
	if len(sd.MediaDescriptions) > 0 {
		if dir := directionOf(sd.MediaDescriptions[0].Attributes); dir != "" {
			return dir
		}
	}
	return directionOf(sd.Attributes)
}

func directionOf(attrs []sdp.Attribute) string {
	for _, attr := range attrs {
		switch attr.Key {
		case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
			return attr.Key
		}
	}
	return ""
}
