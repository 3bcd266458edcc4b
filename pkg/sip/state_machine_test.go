package sip

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ai-voice-connector/pkg/errors"
	"ai-voice-connector/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type machineFixture struct {
	machine  *StateMachine
	factory  *fakeFactory
	notifier *recordingNotifier
	writer   *recordingWriter
}

func newMachineFixture(t *testing.T, timeouts *TimeoutConfig, tags ...string) *machineFixture {
	t.Helper()
	f := &machineFixture{
		factory:  newFakeFactory(),
		notifier: &recordingNotifier{},
		writer:   &recordingWriter{},
	}
	logger := quietLogger()
	f.machine = NewStateMachine(logger, StateMachineConfig{
		Registry: NewShardedRegistry(8),
		Calls:    f.factory,
		Builder:  NewResponseBuilder("198.51.100.1"),
		Tags:     sequenceTags(tags...),
		Notifier: f.notifier,
		Timeouts: NewTimeoutHandler(timeouts, logger),
		Profiles: NewProfileSelector("X-AI-Profile", "deepgram", nil),
	})
	return f
}

func (f *machineFixture) handle(t *testing.T, req requestSpec) {
	t.Helper()
	require.NoError(t, f.machine.Handle(context.Background(), req.decode(t), f.writer, "192.0.2.10:5060"))
}

func (f *machineFixture) dialog(t *testing.T, callID string) *Dialog {
	t.Helper()
	d, ok := f.machine.Registry().Get(callID)
	require.True(t, ok, "dialog %s not found", callID)
	return d
}

// establish runs INVITE and ACK for callID and clears the recorded responses.
func (f *machineFixture) establish(t *testing.T, callID string) *Dialog {
	t.Helper()
	f.handle(t, invite(callID, 1, testOffer))
	d := f.dialog(t, callID)
	f.handle(t, inDialog("ACK", callID, 1, d.ID.LocalTag))
	require.Equal(t, StateEstablished, d.State())
	f.writer.reset()
	return d
}

func TestInviteCreatesDialog(t *testing.T) {
	f := newMachineFixture(t, nil, "xyz")

	f.handle(t, invite("abc123", 1, testOffer))

	assert.Equal(t, []int{100, 200}, f.writer.codes())
	ok := string(f.writer.last())
	assert.Contains(t, ok, "\r\nTo: <sip:ai@198.51.100.1>;tag=xyz\r\n")
	assert.Contains(t, ok, "\r\nCSeq: 1 INVITE\r\n")
	assert.Equal(t, string(f.factory.call("xyz").Body()), bodyOf(f.writer.last()))

	d := f.dialog(t, "abc123")
	assert.Equal(t, StateNegotiating, d.State())
	assert.Equal(t, DialogID{CallID: "abc123", LocalTag: "xyz", RemoteTag: "from1"}, d.ID)
	assert.Equal(t, "deepgram", d.Profile())
	assert.Equal(t, uint32(1), d.RemoteCSeq())
	assert.Equal(t, []string{events.DialogCreated}, f.notifier.names())

	f.handle(t, inDialog("ACK", "abc123", 1, "xyz"))
	assert.Equal(t, StateEstablished, d.State())
	assert.Equal(t, []int{100, 200}, f.writer.codes(), "ACK is never answered")
	assert.Equal(t, []string{events.DialogCreated, events.DialogEstablished}, f.notifier.names())
}

func TestInviteUsesProfileHeader(t *testing.T) {
	f := newMachineFixture(t, nil)

	req := invite("p1", 1, testOffer)
	req.extra = []string{"X-AI-Profile: openai"}
	f.handle(t, req)

	assert.Equal(t, "openai", f.dialog(t, "p1").Profile())
	assert.Equal(t, []string{"openai"}, f.factory.profiles)
}

func TestInviteWithBadSDP(t *testing.T) {
	f := newMachineFixture(t, nil, "bad")

	f.handle(t, invite("sdp-1", 1, "this is not sdp"))

	assert.Equal(t, []int{500}, f.writer.codes())
	assert.Contains(t, string(f.writer.last()), "\r\nTo: <sip:ai@198.51.100.1>\r\n")
	assert.Equal(t, 0, f.machine.DialogCount())
	assert.Equal(t, 0, f.factory.created())
	assert.Empty(t, f.notifier.names(), "no dialog, no lifecycle events")
	assert.False(t, f.machine.Registry().TagInUse("bad"))
}

func TestInviteWithoutBody(t *testing.T) {
	f := newMachineFixture(t, nil)

	f.handle(t, invite("empty-1", 1, ""))

	assert.Equal(t, []int{500}, f.writer.codes())
	assert.Equal(t, 0, f.machine.DialogCount())
	assert.Equal(t, 0, f.factory.created())
}

func TestInvitePanicDoesNotLeakDialog(t *testing.T) {
	f := newMachineFixture(t, nil, "boom")
	f.machine.profiles = func(*Message) string { panic("profile lookup exploded") }

	assert.Panics(t, func() {
		f.machine.Handle(context.Background(), invite("panic-1", 1, testOffer).decode(t), f.writer, "192.0.2.10:5060")
	})

	assert.Equal(t, 0, f.machine.DialogCount())
	assert.False(t, f.machine.Registry().TagInUse("boom"))

	ev, ok := f.notifier.find(events.DialogFailed)
	require.True(t, ok)
	assert.Equal(t, events.ReasonInternalError, ev.Reason)

	// The Call-ID lock was released, so the same call can be retried.
	f.writer.reset()
	f.machine.profiles = NewProfileSelector("X-AI-Profile", "deepgram", nil)
	f.handle(t, invite("panic-1", 1, testOffer))
	assert.Equal(t, []int{100, 200}, f.writer.codes())
}

func TestInviteCallCreationFails(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.factory.err = errors.ErrUnsupportedCodec

	f.handle(t, invite("fail-1", 1, testOffer))

	assert.Equal(t, []int{100, 500}, f.writer.codes())
	assert.Equal(t, 0, f.machine.DialogCount())

	ev, ok := f.notifier.find(events.DialogFailed)
	require.True(t, ok)
	assert.Equal(t, events.ReasonCallError, ev.Reason)
	assert.Contains(t, ev.Metadata["error"], "no supported codec")
}

func TestInviteCallCreationTimesOut(t *testing.T) {
	f := newMachineFixture(t, &TimeoutConfig{CallCreateTimeout: 20 * time.Millisecond}, "slow")
	f.factory.delay = 80 * time.Millisecond

	f.handle(t, invite("slow-1", 1, testOffer))

	assert.Equal(t, []int{100, 500}, f.writer.codes())
	assert.Equal(t, 0, f.machine.DialogCount())

	// The late call is closed once the factory returns.
	require.Eventually(t, func() bool {
		c := f.factory.call("slow")
		return c != nil && c.closeCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestInviteWithToTagForUnknownDialog(t *testing.T) {
	f := newMachineFixture(t, nil)

	req := invite("stale-1", 2, testOffer)
	req.toTag = "gone"
	f.handle(t, req)

	assert.Equal(t, []int{481}, f.writer.codes())
	assert.Equal(t, 0, f.machine.DialogCount())
}

func TestInviteRejectedByAdmission(t *testing.T) {
	f := newMachineFixture(t, nil)
	var seen []string
	f.machine.admit = func(remoteAddr string) bool {
		seen = append(seen, remoteAddr)
		return false
	}

	f.handle(t, invite("flood-1", 1, testOffer))

	assert.Equal(t, []int{503}, f.writer.codes())
	assert.Equal(t, []string{"192.0.2.10:5060"}, seen)
	assert.Equal(t, 0, f.machine.DialogCount())
	assert.Equal(t, 0, f.factory.created())
	assert.Contains(t, string(f.writer.last()), "\r\nTo: <sip:ai@198.51.100.1>\r\n")
}

func TestAdmissionSkipsReInvite(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.establish(t, "reinvite-1")
	f.machine.admit = func(string) bool { return false }

	d := f.dialog(t, "reinvite-1")
	f.handle(t, invite("reinvite-1", 2, testOffer).withToTag(d.ID.LocalTag))

	assert.Equal(t, []int{200}, f.writer.codes())
}

func TestLocalTagRetriesOnCollision(t *testing.T) {
	f := newMachineFixture(t, nil, "t1", "t1", "t2")

	f.handle(t, invite("c1", 1, testOffer))
	f.handle(t, invite("c2", 1, testOffer))

	assert.Equal(t, "t1", f.dialog(t, "c1").ID.LocalTag)
	assert.Equal(t, "t2", f.dialog(t, "c2").ID.LocalTag)
}

func TestLocalTagExhausted(t *testing.T) {
	f := newMachineFixture(t, nil, "t1", "t1", "t1", "t1", "t1", "t1")

	f.handle(t, invite("c1", 1, testOffer))
	f.writer.reset()
	f.handle(t, invite("c2", 1, testOffer))

	assert.Equal(t, []int{500}, f.writer.codes())
	assert.Equal(t, 1, f.machine.DialogCount())
}

func TestOptions(t *testing.T) {
	f := newMachineFixture(t, nil, "opt")

	f.handle(t, requestSpec{method: "OPTIONS", callID: "o1", cseq: 1})
	assert.Equal(t, []int{200}, f.writer.codes())
	resp := string(f.writer.last())
	assert.Contains(t, resp, "\r\nAllow: INVITE, ACK, CANCEL, OPTIONS, BYE\r\n")
	assert.Contains(t, resp, "\r\nTo: <sip:ai@198.51.100.1>\r\n")
	assert.Equal(t, 0, f.machine.DialogCount())

	f.establish(t, "o2")
	f.handle(t, requestSpec{method: "OPTIONS", callID: "o2", cseq: 2})
	assert.Contains(t, string(f.writer.last()), ";tag=opt\r\n")
}

func TestByeTerminatesDialog(t *testing.T) {
	f := newMachineFixture(t, nil, "xyz")
	d := f.establish(t, "abc123")
	c := f.factory.call("xyz")

	f.handle(t, inDialog("BYE", "abc123", 2, "xyz"))

	assert.Equal(t, []int{200}, f.writer.codes())
	assert.Equal(t, StateTerminated, d.State())
	assert.Equal(t, 0, f.machine.DialogCount())
	assert.Equal(t, 1, c.closeCount())

	ev, ok := f.notifier.find(events.DialogTerminated)
	require.True(t, ok)
	assert.Equal(t, events.ReasonBye, ev.Reason)
	assert.Equal(t, "call-xyz", ev.Metadata["call_uuid"])

	f.handle(t, inDialog("BYE", "abc123", 3, "xyz"))
	assert.Equal(t, []int{200, 481}, f.writer.codes())
	assert.Equal(t, 1, c.closeCount())
}

func TestByeBeforeAck(t *testing.T) {
	f := newMachineFixture(t, nil, "t")
	f.handle(t, invite("early", 1, testOffer))
	f.writer.reset()

	f.handle(t, inDialog("BYE", "early", 2, "t"))

	assert.Equal(t, []int{200}, f.writer.codes())
	assert.Equal(t, 0, f.machine.DialogCount())
}

func TestByeWithLowerCSeq(t *testing.T) {
	f := newMachineFixture(t, nil, "t")
	req := invite("cseq", 5, testOffer)
	f.handle(t, req)
	f.handle(t, inDialog("ACK", "cseq", 5, "t"))
	f.writer.reset()

	f.handle(t, inDialog("BYE", "cseq", 4, "t"))

	assert.Equal(t, []int{500}, f.writer.codes())
	assert.Equal(t, 1, f.machine.DialogCount())
}

func TestReInvitePauseAndResume(t *testing.T) {
	f := newMachineFixture(t, nil, "xyz")
	f.establish(t, "hold")
	c := f.factory.call("xyz")

	f.handle(t, invite("hold", 2, offerWithDirection("sendonly")).withToTag("xyz"))
	assert.Equal(t, []int{200}, f.writer.codes())
	assert.True(t, c.Paused())
	assert.Contains(t, bodyOf(f.writer.last()), "a=inactive")
	assert.Equal(t, uint32(2), f.dialog(t, "hold").RemoteCSeq())

	f.handle(t, invite("hold", 3, offerWithDirection("inactive")).withToTag("xyz"))
	assert.True(t, c.Paused())

	f.handle(t, invite("hold", 4, testOffer).withToTag("xyz"))
	assert.Equal(t, []int{200, 200, 200}, f.writer.codes())
	assert.False(t, c.Paused())
	assert.Contains(t, bodyOf(f.writer.last()), "a=sendrecv")

	// Repeated pause offers only notify once.
	assert.Equal(t, []string{
		events.DialogCreated,
		events.DialogEstablished,
		events.DialogMediaPaused,
		events.DialogMediaResumed,
	}, f.notifier.names())
	assert.Equal(t, StateEstablished, f.dialog(t, "hold").State())
}

func TestReInviteWithoutDirectionResumes(t *testing.T) {
	f := newMachineFixture(t, nil, "xyz")
	f.establish(t, "r1")
	c := f.factory.call("xyz")
	c.Pause()

	noDirection := strings.Replace(testOffer, "a=sendrecv\r\n", "", 1)
	f.handle(t, invite("r1", 2, noDirection).withToTag("xyz"))

	assert.Equal(t, []int{200}, f.writer.codes())
	assert.False(t, c.Paused())
}

func TestReInviteSessionLevelHoldPauses(t *testing.T) {
	f := newMachineFixture(t, nil, "xyz")
	f.establish(t, "r2")
	c := f.factory.call("xyz")

	hold := strings.Replace(strings.Replace(testOffer, "a=sendrecv\r\n", "", 1), "m=audio", "a=inactive\r\nm=audio", 1)
	f.handle(t, invite("r2", 2, hold).withToTag("xyz"))

	assert.Equal(t, []int{200}, f.writer.codes())
	assert.True(t, c.Paused())
}

func TestReInviteBeforeAck(t *testing.T) {
	f := newMachineFixture(t, nil, "t")
	f.handle(t, invite("glare", 1, testOffer))
	f.writer.reset()

	f.handle(t, invite("glare", 2, offerWithDirection("sendonly")).withToTag("t"))

	assert.Equal(t, []int{491}, f.writer.codes())
	assert.Equal(t, StateNegotiating, f.dialog(t, "glare").State())
	assert.False(t, f.factory.call("t").Paused())
}

func TestReInviteWithLowerCSeq(t *testing.T) {
	f := newMachineFixture(t, nil, "t")
	f.establish(t, "old")
	f.handle(t, invite("old", 3, testOffer).withToTag("t"))
	f.writer.reset()

	f.handle(t, invite("old", 2, offerWithDirection("sendonly")).withToTag("t"))

	assert.Equal(t, []int{500}, f.writer.codes())
	assert.False(t, f.factory.call("t").Paused())
}

func TestReInviteWithoutOffer(t *testing.T) {
	f := newMachineFixture(t, nil, "t")
	f.establish(t, "refresh")

	f.handle(t, invite("refresh", 2, "").withToTag("t"))

	assert.Equal(t, []int{200}, f.writer.codes())
	assert.Equal(t, string(f.factory.call("t").Body()), bodyOf(f.writer.last()))
}

func TestReInviteWithBadSDP(t *testing.T) {
	f := newMachineFixture(t, nil, "t")
	f.establish(t, "broken")

	f.handle(t, invite("broken", 2, "garbage").withToTag("t"))

	assert.Equal(t, []int{500}, f.writer.codes())
	assert.Equal(t, StateEstablished, f.dialog(t, "broken").State())
}

func TestCancel(t *testing.T) {
	f := newMachineFixture(t, nil, "t")

	f.handle(t, requestSpec{method: "CANCEL", callID: "none", cseq: 1})
	assert.Equal(t, []int{481}, f.writer.codes())

	f.handle(t, invite("c", 1, testOffer))
	f.writer.reset()
	f.handle(t, requestSpec{method: "CANCEL", callID: "c", cseq: 1})
	assert.Equal(t, []int{200}, f.writer.codes())
	assert.Equal(t, 1, f.machine.DialogCount())
}

func TestAckForUnknownDialogIsDropped(t *testing.T) {
	f := newMachineFixture(t, nil)

	f.handle(t, inDialog("ACK", "nobody", 1, "t"))

	assert.Empty(t, f.writer.codes())
	assert.Equal(t, 0, f.machine.DialogCount())
}

func TestUnsupportedMethod(t *testing.T) {
	f := newMachineFixture(t, nil, "t")

	f.handle(t, requestSpec{method: "INFO", callID: "info", cseq: 1})
	assert.Equal(t, []int{501}, f.writer.codes())

	f.establish(t, "info2")
	f.handle(t, inDialog("REFER", "info2", 2, "t"))
	assert.Equal(t, []int{501}, f.writer.codes())
	assert.Contains(t, string(f.writer.last()), "\r\nCSeq: 2 REFER\r\n")
	assert.Equal(t, 1, f.machine.DialogCount())
}

func TestAckTimeoutTerminatesDialog(t *testing.T) {
	f := newMachineFixture(t, &TimeoutConfig{AckTimeout: 30 * time.Millisecond}, "t")

	f.handle(t, invite("noack", 1, testOffer))
	d := f.dialog(t, "noack")

	require.Eventually(t, func() bool {
		return f.machine.DialogCount() == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateTerminated, d.State())
	assert.Equal(t, 1, f.factory.call("t").closeCount())
	assert.Equal(t, []int{100, 200}, f.writer.codes(), "no BYE or response is sent")

	ev, ok := f.notifier.find(events.DialogTerminated)
	require.True(t, ok)
	assert.Equal(t, events.ReasonAckTimeout, ev.Reason)
}

func TestAckStopsTimer(t *testing.T) {
	f := newMachineFixture(t, &TimeoutConfig{AckTimeout: 30 * time.Millisecond}, "t")

	f.handle(t, invite("acked", 1, testOffer))
	f.handle(t, inDialog("ACK", "acked", 1, "t"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, f.machine.DialogCount())
	assert.Equal(t, StateEstablished, f.dialog(t, "acked").State())
}

type failingWriter struct{}

func (failingWriter) WriteResponse([]byte) error { return fmt.Errorf("broken pipe") }

func TestWriteFailureTearsDownDialog(t *testing.T) {
	f := newMachineFixture(t, nil, "t")

	err := f.machine.Handle(context.Background(), invite("w", 1, testOffer).decode(t), failingWriter{}, "192.0.2.10:5060")

	require.Error(t, err)
	assert.Equal(t, 0, f.machine.DialogCount())
	ev, ok := f.notifier.find(events.DialogFailed)
	require.True(t, ok)
	assert.Equal(t, events.ReasonWriteError, ev.Reason)
}

func TestTerminateAll(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.establish(t, "a")
	f.handle(t, invite("b", 1, testOffer))

	n := f.machine.TerminateAll(context.Background(), events.ReasonShutdown)

	assert.Equal(t, 2, n)
	assert.Equal(t, 0, f.machine.DialogCount())
	for _, name := range []string{"tag-1", "tag-2"} {
		assert.Equal(t, 1, f.factory.call(name).closeCount())
	}
}

func TestDialogsSnapshot(t *testing.T) {
	f := newMachineFixture(t, nil, "first", "second")
	f.establish(t, "one")
	time.Sleep(2 * time.Millisecond)
	f.handle(t, invite("two", 1, testOffer))

	infos := f.machine.Dialogs()
	require.Len(t, infos, 2)
	assert.Equal(t, "one", infos[0].CallID)
	assert.Equal(t, string(StateEstablished), infos[0].State)
	assert.Equal(t, "call-first", infos[0].CallUUID)
	assert.Equal(t, "two", infos[1].CallID)
	assert.Equal(t, string(StateNegotiating), infos[1].State)
}

func TestConcurrentInvites(t *testing.T) {
	f := newMachineFixture(t, nil)
	f.machine.tags = NewRandomTagGenerator(DefaultTagLength)

	const calls = 50
	msgs := make([]*Message, calls)
	for i := range msgs {
		msgs[i] = invite(fmt.Sprintf("conc-%d", i), 1, testOffer).decode(t)
	}

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(msg *Message) {
			defer wg.Done()
			w := &recordingWriter{}
			assert.NoError(t, f.machine.Handle(context.Background(), msg, w, "192.0.2.10:5060"))
			assert.Equal(t, []int{100, 200}, w.codes())
		}(msgs[i])
	}
	wg.Wait()

	assert.Equal(t, calls, f.machine.DialogCount())
	tags := make(map[string]bool)
	for _, info := range f.machine.Dialogs() {
		assert.False(t, tags[info.LocalTag], "duplicate tag %s", info.LocalTag)
		tags[info.LocalTag] = true
	}
}

func (r requestSpec) withToTag(tag string) requestSpec {
	r.toTag = tag
	return r
}
