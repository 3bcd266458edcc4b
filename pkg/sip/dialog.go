package sip

import (
	"context"
	"sync"
	"time"

	"ai-voice-connector/pkg/call"
	"ai-voice-connector/pkg/telemetry/tracing"

	"github.com/looplab/fsm"
)

// DialogState is the lifecycle state of a dialog.
type DialogState string

const (
	StateTrying      DialogState = "TRYING"
	StateNegotiating DialogState = "NEGOTIATING"
	StateEstablished DialogState = "ESTABLISHED"
	StateTerminated  DialogState = "TERMINATED"
)

const (
	eventCallCreated = "call_created"
	eventAck         = "ack"
	eventTerminate   = "terminate"
)

// DialogID identifies a dialog. The registry keys on CallID alone.
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id DialogID) String() string {
	return id.CallID + ";local-tag=" + id.LocalTag + ";remote-tag=" + id.RemoteTag
}

// Dialog is one inbound call leg. Mutations happen under the registry's
// per-Call-ID lock; the inner mutex only guards reads from other goroutines
// such as the admin API.
type Dialog struct {
	ID        DialogID
	CreatedAt time.Time

	fsm *fsm.FSM

	// scope spans the dialog's lifetime; touched only under the Call-ID lock
	scope *tracing.DialogScope

	mu            sync.Mutex
	profile       string
	remoteAddr    string
	// localCSeq numbers requests sent inside the dialog. The connector only
	// answers, so it stays 0; responses echo the request CSeq instead.
	localCSeq     uint32
	remoteCSeq    uint32
	call          call.Call
	lastActivity  time.Time
	establishedAt time.Time
	ackTimer      *time.Timer
}

func newDialog(id DialogID) *Dialog {
	now := time.Now()
	d := &Dialog{
		ID:           id,
		CreatedAt:    now,
		lastActivity: now,
	}

	d.fsm = fsm.NewFSM(
		string(StateTrying),
		fsm.Events{
			{Name: eventCallCreated, Src: []string{string(StateTrying)}, Dst: string(StateNegotiating)},
			{Name: eventAck, Src: []string{string(StateNegotiating)}, Dst: string(StateEstablished)},
			{Name: eventTerminate, Src: []string{
				string(StateTrying),
				string(StateNegotiating),
				string(StateEstablished),
			}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"enter_" + string(StateEstablished): func(_ context.Context, _ *fsm.Event) {
				d.mu.Lock()
				d.establishedAt = time.Now()
				d.mu.Unlock()
			},
		},
	)
	return d
}

// State returns the current state.
func (d *Dialog) State() DialogState {
	return DialogState(d.fsm.Current())
}

func (d *Dialog) fire(ctx context.Context, event string) error {
	return d.fsm.Event(ctx, event)
}

// Call returns the media session, nil until the INVITE was answered.
func (d *Dialog) Call() call.Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.call
}

func (d *Dialog) attachCall(c call.Call) {
	d.mu.Lock()
	d.call = c
	d.mu.Unlock()
}

// releaseCall detaches and closes the media session.
func (d *Dialog) releaseCall() error {
	d.mu.Lock()
	c := d.call
	d.call = nil
	d.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

// Profile returns the AI profile serving this dialog.
func (d *Dialog) Profile() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile
}

// RemoteCSeq returns the highest CSeq number seen from the remote party.
func (d *Dialog) RemoteCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteCSeq
}

func (d *Dialog) setRemoteCSeq(n uint32) {
	d.mu.Lock()
	if n > d.remoteCSeq {
		d.remoteCSeq = n
	}
	d.lastActivity = time.Now()
	d.mu.Unlock()
}

func (d *Dialog) touch() {
	d.mu.Lock()
	d.lastActivity = time.Now()
	d.mu.Unlock()
}

func (d *Dialog) armAckTimer(timeout time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ackTimer != nil {
		d.ackTimer.Stop()
	}
	d.ackTimer = time.AfterFunc(timeout, fn)
}

func (d *Dialog) stopAckTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ackTimer != nil {
		d.ackTimer.Stop()
		d.ackTimer = nil
	}
}

// DialogInfo is a read-only snapshot of a dialog.
type DialogInfo struct {
	CallID        string    `json:"call_id"`
	LocalTag      string    `json:"local_tag"`
	RemoteTag     string    `json:"remote_tag,omitempty"`
	State         string    `json:"state"`
	Profile       string    `json:"profile,omitempty"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	LocalCSeq     uint32    `json:"local_cseq"`
	RemoteCSeq    uint32    `json:"remote_cseq"`
	CallUUID      string    `json:"call_uuid,omitempty"`
	Paused        bool      `json:"paused"`
	CreatedAt     time.Time `json:"created_at"`
	EstablishedAt time.Time `json:"established_at,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
}

// Info returns a snapshot of the dialog.
func (d *Dialog) Info() DialogInfo {
	state := d.State()

	d.mu.Lock()
	defer d.mu.Unlock()

	info := DialogInfo{
		CallID:        d.ID.CallID,
		LocalTag:      d.ID.LocalTag,
		RemoteTag:     d.ID.RemoteTag,
		State:         string(state),
		Profile:       d.profile,
		RemoteAddr:    d.remoteAddr,
		LocalCSeq:     d.localCSeq,
		RemoteCSeq:    d.remoteCSeq,
		CreatedAt:     d.CreatedAt,
		EstablishedAt: d.establishedAt,
		LastActivity:  d.lastActivity,
	}
	if d.call != nil {
		info.CallUUID = d.call.ID()
		info.Paused = d.call.Paused()
	}
	return info
}

func (d *Dialog) setOrigin(remoteAddr string, cseq uint32) {
	d.mu.Lock()
	d.remoteAddr = remoteAddr
	d.remoteCSeq = cseq
	d.mu.Unlock()
}

func (d *Dialog) setProfile(profile string) {
	d.mu.Lock()
	d.profile = profile
	d.mu.Unlock()
}

// RemoteAddr returns the transport address of the connection that created the dialog.
func (d *Dialog) RemoteAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteAddr
}
