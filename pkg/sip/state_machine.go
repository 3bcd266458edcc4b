package sip

import (
	"context"
	"sort"
	"sync"
	"time"

	"ai-voice-connector/pkg/call"
	"ai-voice-connector/pkg/errors"
	"ai-voice-connector/pkg/events"
	"ai-voice-connector/pkg/metrics"
	"ai-voice-connector/pkg/telemetry/tracing"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxTagAttempts = 5

// ResponseWriter sends a rendered response back over the transport the
// request arrived on.
type ResponseWriter interface {
	WriteResponse(b []byte) error
}

// StateMachineConfig wires the state machine's collaborators. Calls and
// Builder are required; the rest have defaults.
type StateMachineConfig struct {
	Registry Registry
	Calls    call.Factory
	Builder  *ResponseBuilder
	Tags     TagGenerator
	Notifier events.Notifier
	Timeouts *TimeoutHandler
	Profiles ProfileSelector

	// Admission gates initial INVITEs by source address. Rejected INVITEs
	// get 503 and create no dialog.
	Admission func(remoteAddr string) bool
}

// StateMachine applies requests to dialogs. All work for a Call-ID runs under
// the registry's lock for that Call-ID.
type StateMachine struct {
	logger   *logrus.Logger
	registry Registry
	calls    call.Factory
	builder  *ResponseBuilder
	tags     TagGenerator
	notifier events.Notifier
	timeouts *TimeoutHandler
	profiles ProfileSelector
	admit    func(remoteAddr string) bool
}

// NewStateMachine creates a state machine
func NewStateMachine(logger *logrus.Logger, cfg StateMachineConfig) *StateMachine {
	m := &StateMachine{
		logger:   logger,
		registry: cfg.Registry,
		calls:    cfg.Calls,
		builder:  cfg.Builder,
		tags:     cfg.Tags,
		notifier: cfg.Notifier,
		timeouts: cfg.Timeouts,
		profiles: cfg.Profiles,
		admit:    cfg.Admission,
	}
	if m.registry == nil {
		m.registry = NewShardedRegistry(32)
	}
	if m.tags == nil {
		m.tags = NewRandomTagGenerator(DefaultTagLength)
	}
	if m.notifier == nil {
		m.notifier = events.Nop
	}
	if m.timeouts == nil {
		m.timeouts = NewTimeoutHandler(nil, logger)
	}
	if m.profiles == nil {
		m.profiles = func(*Message) string { return "" }
	}
	if m.admit == nil {
		m.admit = func(string) bool { return true }
	}
	return m
}

// Registry returns the dialog registry.
func (m *StateMachine) Registry() Registry {
	return m.registry
}

// Handle processes one request. The returned error is a transport failure;
// the caller should close the connection.
func (m *StateMachine) Handle(ctx context.Context, msg *Message, w ResponseWriter, remoteAddr string) error {
	unlock := m.registry.Lock(msg.CallID)
	defer unlock()

	ctx, span := tracing.StartSpan(ctx, "sip.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("sip.method", msg.Method.Name),
			attribute.String("sip.call_id", msg.CallID),
			attribute.Int64("sip.cseq", int64(msg.CSeqNum)),
		),
	)

	logger := m.logger.WithFields(logrus.Fields{
		"call_id":     msg.CallID,
		"method":      msg.Method.Name,
		"cseq":        msg.CSeq,
		"remote_addr": remoteAddr,
	})
	logger.Debug("Handling SIP request")

	var status int
	var err error
	switch msg.Method.Kind {
	case MethodInvite:
		status, err = m.handleInvite(ctx, msg, w, remoteAddr, logger)
	case MethodAck:
		m.handleAck(ctx, msg, logger)
	case MethodBye:
		status, err = m.handleBye(ctx, msg, w, logger)
	case MethodOptions:
		status, err = m.respond(w, msg, StatusOK, m.localTagFor(msg.CallID), nil)
	case MethodCancel:
		status, err = m.handleCancel(msg, w)
	case MethodOther:
		logger.Info("Rejecting unsupported method")
		status, err = m.respond(w, msg, StatusNotImplemented, m.localTagFor(msg.CallID), nil)
	}

	metrics.RecordSIPRequest(msg.Method.Name, status)
	span.SetAttributes(attribute.Int("sip.status_code", status))
	tracing.EndSpan(span, err)
	if err != nil {
		logger.WithError(err).Warn("Failed to write SIP response")
	}
	return err
}

func (m *StateMachine) localTagFor(callID string) string {
	if d, ok := m.registry.Get(callID); ok {
		return d.ID.LocalTag
	}
	return ""
}

// statusForError maps a request failure to its final response.
func statusForError(err error) Status {
	return StatusFor(errors.SIPStatusFromError(err))
}

func (m *StateMachine) respond(w ResponseWriter, req *Message, status Status, localTag string, body []byte) (int, error) {
	resp := m.builder.Build(req, status, localTag, body)
	if err := w.WriteResponse(resp); err != nil {
		return status.Code, errors.Wrap(err, "write "+status.String())
	}
	metrics.RecordSIPResponse(status.Code)
	return status.Code, nil
}

func (m *StateMachine) handleInvite(ctx context.Context, msg *Message, w ResponseWriter, remoteAddr string, logger *logrus.Entry) (int, error) {
	if d, ok := m.registry.Get(msg.CallID); ok {
		return m.handleReInvite(ctx, d, msg, w, logger)
	}
	if msg.ToTag != "" {
		logger.Info("In-dialog INVITE for unknown dialog")
		return m.respond(w, msg, StatusCallDoesNotExist, "", nil)
	}
	if !m.admit(remoteAddr) {
		logger.Warn("Rejecting INVITE over the admission limit")
		return m.respond(w, msg, StatusUnavailable, "", nil)
	}

	// An offer that cannot be parsed never becomes a dialog.
	offer, err := ParseSDP(msg.Body)
	if err != nil {
		logger.WithError(err).Warn("Rejecting INVITE with unparseable SDP")
		return m.respond(w, msg, statusForError(err), "", nil)
	}

	d, err := m.createDialog(ctx, msg, remoteAddr)
	if err != nil {
		logger.WithError(err).Error("Failed to register dialog")
		return m.respond(w, msg, StatusServerError, "", nil)
	}
	tag := d.ID.LocalTag
	logger = logger.WithField("local_tag", tag)

	answered := false
	defer func() {
		if r := recover(); r != nil {
			if !answered {
				m.teardown(ctx, d, events.DialogFailed, events.ReasonInternalError, errors.New("panic while answering INVITE").WithField("panic", r))
			}
			panic(r)
		}
	}()

	if _, err := m.respond(w, msg, StatusTrying, tag, nil); err != nil {
		m.teardown(ctx, d, events.DialogFailed, events.ReasonWriteError, err)
		return 0, err
	}

	profile := m.profiles(msg)
	d.setProfile(profile)
	d.scope.SetAttributes(attribute.String("dialog.profile", profile))
	logger = logger.WithField("profile", profile)

	c, err := m.createCall(ctx, d, offer, profile)
	if err != nil {
		logger.WithError(err).Warn("Call creation failed")
		m.teardown(ctx, d, events.DialogFailed, events.ReasonCallError, err)
		return m.respond(w, msg, statusForError(err), tag, nil)
	}
	d.attachCall(c)

	if err := d.fire(context.Background(), eventCallCreated); err != nil {
		logger.WithError(err).Error("Dialog rejected call_created transition")
		m.teardown(ctx, d, events.DialogFailed, events.ReasonCallError, err)
		return m.respond(w, msg, StatusServerError, tag, nil)
	}

	status, err := m.respond(w, msg, StatusOK, tag, c.Body())
	if err != nil {
		m.teardown(ctx, d, events.DialogFailed, events.ReasonWriteError, err)
		return status, err
	}

	d.armAckTimer(m.timeouts.Timeout(OperationAck), func() { m.expireAck(d) })
	answered = true
	logger.WithField("call", c.ID()).Info("INVITE answered, awaiting ACK")
	m.notify(ctx, d, events.DialogCreated, "", nil)
	return status, nil
}

func (m *StateMachine) createDialog(ctx context.Context, msg *Message, remoteAddr string) (*Dialog, error) {
	for attempt := 0; attempt < maxTagAttempts; attempt++ {
		tag, err := m.tags.NewTag()
		if err != nil {
			return nil, errors.Wrap(err, "generate local tag")
		}

		d, err := m.registry.Create(DialogID{CallID: msg.CallID, LocalTag: tag, RemoteTag: msg.FromTag})
		if err == nil {
			d.setOrigin(remoteAddr, msg.CSeqNum)
			d.scope = tracing.StartDialogScope(ctx, msg.CallID,
				attribute.String("sip.local_tag", tag),
				attribute.String("sip.remote_tag", msg.FromTag),
				attribute.String("net.peer.address", remoteAddr),
			)
			return d, nil
		}
		if !errors.IsErrorType(err, errors.ErrTagInUse) {
			return nil, err
		}
	}
	return nil, errors.Wrap(errors.ErrTagInUse, "no unique local tag")
}

// createCall runs the factory under the call creation timeout. A call that
// arrives after the deadline is closed.
func (m *StateMachine) createCall(ctx context.Context, d *Dialog, offer *sdp.SessionDescription, profile string) (call.Call, error) {
	observe := metrics.ObserveCallSetup(profile)

	var (
		mu        sync.Mutex
		created   call.Call
		abandoned bool
	)
	err := m.timeouts.WithTimeout(ctx, OperationCallCreate, func(ctx context.Context) error {
		c, err := m.calls.Create(ctx, d.ID.LocalTag, offer, profile)
		if err != nil || c == nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			c.Close()
			return nil
		}
		created = c
		return nil
	})

	mu.Lock()
	c := created
	abandoned = true
	mu.Unlock()

	if err != nil {
		if c != nil {
			c.Close()
		}
		observe("error")
		return nil, errors.NewCallCreation(err)
	}
	if c == nil {
		observe("error")
		return nil, errors.NewCallCreation(nil)
	}
	if len(c.Body()) == 0 {
		c.Close()
		observe("empty_body")
		return nil, errors.NewCallCreation(errors.New("empty SDP answer"))
	}

	observe("ok")
	return c, nil
}

func (m *StateMachine) handleReInvite(ctx context.Context, d *Dialog, msg *Message, w ResponseWriter, logger *logrus.Entry) (int, error) {
	tag := d.ID.LocalTag
	logger = logger.WithField("local_tag", tag)

	if msg.CSeqNum < d.RemoteCSeq() {
		logger.WithField("remote_cseq", d.RemoteCSeq()).Warn("re-INVITE with lower CSeq")
		return m.respond(w, msg, StatusServerError, tag, nil)
	}

	if d.State() != StateEstablished {
		logger.WithField("state", d.State()).Info("re-INVITE before ACK, answering 491")
		return m.respond(w, msg, StatusRequestPending, tag, nil)
	}
	d.setRemoteCSeq(msg.CSeqNum)

	c := d.Call()
	if len(msg.Body) == 0 {
		logger.Debug("Offerless re-INVITE, refreshing session")
		return m.respond(w, msg, StatusOK, tag, c.Body())
	}

	offer, err := ParseSDP(msg.Body)
	if err != nil {
		logger.WithError(err).Warn("Rejecting re-INVITE with unparseable SDP")
		return m.respond(w, msg, StatusServerError, tag, nil)
	}

	direction := MediaDirection(offer)
	wasPaused := c.Paused()
	if direction == "" || direction == DirectionSendRecv {
		c.Resume()
		if wasPaused {
			metrics.RecordMediaDirection("resume")
			m.notify(ctx, d, events.DialogMediaResumed, "", map[string]interface{}{"direction": direction})
		}
	} else {
		c.Pause()
		if !wasPaused {
			metrics.RecordMediaDirection("pause")
			m.notify(ctx, d, events.DialogMediaPaused, "", map[string]interface{}{"direction": direction})
		}
	}
	logger.WithFields(logrus.Fields{
		"direction": direction,
		"paused":    c.Paused(),
	}).Info("re-INVITE applied")

	return m.respond(w, msg, StatusOK, tag, c.Body())
}

func (m *StateMachine) handleAck(ctx context.Context, msg *Message, logger *logrus.Entry) {
	d, ok := m.registry.Get(msg.CallID)
	if !ok {
		logger.Debug("ACK for unknown dialog dropped")
		return
	}
	d.touch()

	if d.State() != StateNegotiating {
		return
	}
	d.stopAckTimer()
	if err := d.fire(context.Background(), eventAck); err != nil {
		logger.WithError(err).Warn("Dialog rejected ack transition")
		return
	}
	logger.WithField("local_tag", d.ID.LocalTag).Info("Dialog established")
	m.notify(ctx, d, events.DialogEstablished, "", nil)
}

func (m *StateMachine) handleBye(ctx context.Context, msg *Message, w ResponseWriter, logger *logrus.Entry) (int, error) {
	d, ok := m.registry.Get(msg.CallID)
	if !ok {
		logger.Info("BYE for unknown dialog")
		return m.respond(w, msg, StatusCallDoesNotExist, "", nil)
	}
	tag := d.ID.LocalTag

	if msg.CSeqNum < d.RemoteCSeq() {
		logger.WithField("remote_cseq", d.RemoteCSeq()).Warn("BYE with lower CSeq")
		return m.respond(w, msg, StatusServerError, tag, nil)
	}

	m.teardown(ctx, d, events.DialogTerminated, events.ReasonBye, nil)
	logger.WithField("local_tag", tag).Info("Dialog terminated by BYE")
	return m.respond(w, msg, StatusOK, tag, nil)
}

// handleCancel answers CANCEL. The INVITE transaction has always completed by
// the time a CANCEL is read, so the CANCEL itself is the only thing answered.
func (m *StateMachine) handleCancel(msg *Message, w ResponseWriter) (int, error) {
	d, ok := m.registry.Get(msg.CallID)
	if !ok {
		return m.respond(w, msg, StatusCallDoesNotExist, "", nil)
	}
	return m.respond(w, msg, StatusOK, d.ID.LocalTag, nil)
}

// expireAck tears down a dialog whose 200 OK was never acknowledged.
func (m *StateMachine) expireAck(d *Dialog) {
	unlock := m.registry.Lock(d.ID.CallID)
	defer unlock()

	current, ok := m.registry.Get(d.ID.CallID)
	if !ok || current != d || d.State() != StateNegotiating {
		return
	}

	m.logger.WithFields(logrus.Fields{
		"call_id":   d.ID.CallID,
		"local_tag": d.ID.LocalTag,
	}).Warn("No ACK received, terminating dialog")
	m.teardown(context.Background(), d, events.DialogTerminated, events.ReasonAckTimeout, nil)
}

// teardown releases the call and removes the dialog. Callers hold the
// Call-ID lock.
func (m *StateMachine) teardown(ctx context.Context, d *Dialog, event, reason string, cause error) {
	meta := make(map[string]interface{})
	if cause != nil {
		meta["error"] = cause.Error()
	}
	if c := d.Call(); c != nil {
		meta["call_uuid"] = c.ID()
	}

	d.stopAckTimer()
	if err := d.releaseCall(); err != nil {
		m.logger.WithError(err).WithField("call_id", d.ID.CallID).Warn("Failed to close call")
	}
	if d.State() != StateTerminated {
		if err := d.fire(context.Background(), eventTerminate); err != nil {
			m.logger.WithError(err).WithField("call_id", d.ID.CallID).Debug("Terminate transition rejected")
		}
	}
	m.registry.Remove(d.ID.CallID)
	metrics.RecordDialogTerminated(d.Profile(), reason, time.Since(d.CreatedAt))
	m.notify(ctx, d, event, reason, meta)

	d.scope.SetAttributes(attribute.String("dialog.end_reason", reason))
	d.scope.End(cause)
}

func (m *StateMachine) notify(ctx context.Context, d *Dialog, name, reason string, meta map[string]interface{}) {
	ev := events.New(name, d.ID.CallID)
	ev.LocalTag = d.ID.LocalTag
	ev.RemoteTag = d.ID.RemoteTag
	ev.State = string(d.State())
	ev.Reason = reason
	ev.Profile = d.Profile()
	ev.RemoteAddr = d.RemoteAddr()
	ev.Metadata = meta
	if reason != "" {
		d.scope.AddEvent(name, attribute.String("reason", reason))
	} else {
		d.scope.AddEvent(name)
	}
	if c := d.Call(); c != nil {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]interface{})
		}
		ev.Metadata["call_uuid"] = c.ID()
	}
	m.notifier.Notify(ctx, ev)
}

// TerminateAll removes every dialog, releasing its call. It returns how many
// dialogs were terminated.
func (m *StateMachine) TerminateAll(ctx context.Context, reason string) int {
	var callIDs []string
	m.registry.Range(func(d *Dialog) bool {
		callIDs = append(callIDs, d.ID.CallID)
		return true
	})

	terminated := 0
	for _, callID := range callIDs {
		if ctx.Err() != nil {
			break
		}
		unlock := m.registry.Lock(callID)
		if d, ok := m.registry.Get(callID); ok {
			m.teardown(ctx, d, events.DialogTerminated, reason, nil)
			terminated++
		}
		unlock()
	}
	return terminated
}

// Dialogs returns snapshots of every live dialog, oldest first.
func (m *StateMachine) Dialogs() []DialogInfo {
	var infos []DialogInfo
	m.registry.Range(func(d *Dialog) bool {
		infos = append(infos, d.Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// DialogCount returns the number of live dialogs.
func (m *StateMachine) DialogCount() int {
	return m.registry.Count()
}
