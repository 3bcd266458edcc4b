package sip

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"ai-voice-connector/pkg/call"
	"ai-voice-connector/pkg/events"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testOffer = "v=0\r\n" +
	"o=caller 1 1 IN IP4 192.0.2.10\r\n" +
	"s=call\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=sendrecv\r\n"

func offerWithDirection(direction string) string {
	return strings.Replace(testOffer, "a=sendrecv", "a="+direction, 1)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeCall struct {
	mu     sync.Mutex
	id     string
	paused bool
	closed int
}

func (c *fakeCall) ID() string { return c.id }

func (c *fakeCall) Body() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return []byte("v=0\r\ns=" + c.id + "\r\na=inactive\r\n")
	}
	return []byte("v=0\r\ns=" + c.id + "\r\na=sendrecv\r\n")
}

func (c *fakeCall) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *fakeCall) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

func (c *fakeCall) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeCall) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeFactory hands out fakeCalls and remembers them by dialog tag.
type fakeFactory struct {
	mu       sync.Mutex
	calls    map[string]*fakeCall
	profiles []string
	err      error
	delay    time.Duration
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{calls: make(map[string]*fakeCall)}
}

func (f *fakeFactory) Create(ctx context.Context, tag string, _ *sdp.SessionDescription, profile string) (call.Call, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles = append(f.profiles, profile)
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeCall{id: "call-" + tag}
	f.calls[tag] = c
	return c, nil
}

func (f *fakeFactory) call(tag string) *fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tag]
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// recordingWriter captures rendered responses.
type recordingWriter struct {
	mu        sync.Mutex
	responses [][]byte
	err       error
}

func (w *recordingWriter) WriteResponse(b []byte) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	w.responses = append(w.responses, append([]byte(nil), b...))
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) codes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	codes := make([]int, 0, len(w.responses))
	for _, r := range w.responses {
		codes = append(codes, statusCodeOf(r))
	}
	return codes
}

func (w *recordingWriter) last() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.responses) == 0 {
		return nil
	}
	return w.responses[len(w.responses)-1]
}

func (w *recordingWriter) reset() {
	w.mu.Lock()
	w.responses = nil
	w.mu.Unlock()
}

func statusCodeOf(resp []byte) int {
	line, _, _ := bytes.Cut(resp, []byte("\r\n"))
	parts := strings.Fields(string(line))
	if len(parts) < 2 {
		return 0
	}
	code, _ := strconv.Atoi(parts[1])
	return code
}

func bodyOf(resp []byte) string {
	_, body, _ := bytes.Cut(resp, []byte("\r\n\r\n"))
	return string(body)
}

// recordingNotifier collects events synchronously.
type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev events.Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		names = append(names, ev.Event)
	}
	return names
}

func (n *recordingNotifier) find(name string) (events.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.events {
		if ev.Event == name {
			return ev, true
		}
	}
	return events.Event{}, false
}

// sequenceTags returns the given tags in order, then tag-N.
func sequenceTags(tags ...string) TagGenerator {
	var mu sync.Mutex
	i := 0
	return TagGeneratorFunc(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		i++
		if i <= len(tags) {
			return tags[i-1], nil
		}
		return fmt.Sprintf("tag-%d", i), nil
	})
}

type requestSpec struct {
	method  string
	callID  string
	cseq    int
	toTag   string
	body    string
	extra   []string
	reqUser string
}

func (r requestSpec) raw() string {
	user := r.reqUser
	if user == "" {
		user = "ai"
	}
	to := "<sip:" + user + "@198.51.100.1>"
	if r.toTag != "" {
		to += ";tag=" + r.toTag
	}
	lines := []string{
		r.method + " sip:" + user + "@198.51.100.1:8080;transport=tcp SIP/2.0",
		"Via: SIP/2.0/TCP 192.0.2.10:5060;branch=z9hG4bK-" + r.callID + "-" + strconv.Itoa(r.cseq),
		"Max-Forwards: 70",
		"From: \"Caller\" <sip:caller@192.0.2.10>;tag=from1",
		"To: " + to,
		"Call-ID: " + r.callID,
		"CSeq: " + strconv.Itoa(r.cseq) + " " + r.method,
		"Contact: <sip:caller@192.0.2.10:5060;transport=tcp>",
	}
	lines = append(lines, r.extra...)
	if r.body != "" {
		lines = append(lines, "Content-Type: application/sdp")
	}
	lines = append(lines, "Content-Length: "+strconv.Itoa(len(r.body)))
	return strings.Join(lines, "\r\n") + "\r\n\r\n" + r.body
}

func (r requestSpec) decode(t *testing.T) *Message {
	t.Helper()
	msg, err := NewCodec().Decode([]byte(r.raw()))
	require.NoError(t, err)
	return msg
}

func invite(callID string, cseq int, body string) requestSpec {
	return requestSpec{method: "INVITE", callID: callID, cseq: cseq, body: body}
}

func inDialog(method, callID string, cseq int, toTag string) requestSpec {
	return requestSpec{method: method, callID: callID, cseq: cseq, toTag: toTag}
}
