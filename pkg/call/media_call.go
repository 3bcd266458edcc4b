package call

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"ai-voice-connector/pkg/errors"
	"ai-voice-connector/pkg/media"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
)

// SessionName is the s= line of every answer.
const SessionName = "AI Voice Connector"

// MediaFactory builds calls whose answer points RTP at this host. The codec is
// chosen from the AI profile's preference list.
type MediaFactory struct {
	logger       *logrus.Logger
	advertisedIP string
	ports        *media.PortManager
	profiles     map[string][]Codec
}

// NewMediaFactory validates every profile's codec names up front.
func NewMediaFactory(logger *logrus.Logger, advertisedIP string, ports *media.PortManager, profiles map[string][]string) (*MediaFactory, error) {
	resolved := make(map[string][]Codec, len(profiles))
	for name, codecNames := range profiles {
		for _, codecName := range codecNames {
			c, ok := LookupCodec(codecName)
			if !ok {
				return nil, errors.NewInvalidInput(fmt.Sprintf("profile %q lists unknown codec %q", name, codecName))
			}
			resolved[name] = append(resolved[name], c)
		}
	}

	return &MediaFactory{
		logger:       logger,
		advertisedIP: advertisedIP,
		ports:        ports,
		profiles:     resolved,
	}, nil
}

// HasProfile reports whether name is a configured AI profile.
func (f *MediaFactory) HasProfile(name string) bool {
	_, ok := f.profiles[name]
	return ok
}

// Profiles returns the configured profile names, sorted.
func (f *MediaFactory) Profiles() []string {
	names := make([]string, 0, len(f.profiles))
	for name := range f.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create negotiates the first audio section of offer and reserves an RTP port.
func (f *MediaFactory) Create(ctx context.Context, dialogTag string, offer *sdp.SessionDescription, profile string) (Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	supported, ok := f.profiles[profile]
	if !ok {
		return nil, errors.Wrap(errors.ErrUnknownProfile, profile)
	}
	if offer == nil {
		return nil, errors.ErrNoAudioMedia
	}

	var audio *sdp.MediaDescription
	for _, md := range offer.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, errors.ErrNoAudioMedia
	}

	neg, err := negotiate(audio, supported)
	if err != nil {
		return nil, errors.Wrap(err, "negotiate "+profile).WithField("offered", audio.MediaName.Formats)
	}

	port, err := f.ports.AllocatePort()
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	c := &mediaCall{
		id:           id.String(),
		dialogTag:    dialogTag,
		profile:      profile,
		advertisedIP: f.advertisedIP,
		port:         port,
		neg:          neg,
		sessionID:    binary.BigEndian.Uint64(id[:8]) >> 1,
		ports:        f.ports,
	}
	if err := c.render(); err != nil {
		f.ports.ReleasePort(port)
		return nil, err
	}

	f.logger.WithFields(logrus.Fields{
		"call":       c.id,
		"dialog_tag": dialogTag,
		"profile":    profile,
		"codec":      neg.codec.Name,
		"rtp_port":   port,
	}).Debug("Media call created")

	return c, nil
}

type mediaCall struct {
	id           string
	dialogTag    string
	profile      string
	advertisedIP string
	port         int
	neg          negotiation
	sessionID    uint64
	ports        *media.PortManager

	mu             sync.Mutex
	paused         bool
	closed         bool
	sessionVersion uint64
	body           []byte
}

func (c *mediaCall) ID() string { return c.id }

func (c *mediaCall) Body() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body
}

func (c *mediaCall) Pause() { c.setPaused(true) }

func (c *mediaCall) Resume() { c.setPaused(false) }

func (c *mediaCall) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *mediaCall) setPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused == paused || c.closed {
		return
	}
	c.paused = paused
	c.sessionVersion++
	c.renderLocked()
}

func (c *mediaCall) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ports.ReleasePort(c.port)
	return nil
}

func (c *mediaCall) render() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renderLocked()
}

// renderLocked rebuilds the answer. The origin version increments on every
// change so the remote side notices the new description.
func (c *mediaCall) renderLocked() error {
	direction := "sendrecv"
	if c.paused {
		direction = "inactive"
	}

	formats := []string{strconv.Itoa(c.neg.payloadType)}
	attrs := []sdp.Attribute{
		sdp.NewAttribute("rtpmap", c.neg.codec.RTPMap(c.neg.payloadType)),
	}
	if c.neg.fmtp != "" {
		attrs = append(attrs, sdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", c.neg.payloadType, c.neg.fmtp)))
	}
	if c.neg.dtmfPayload >= 0 {
		formats = append(formats, strconv.Itoa(c.neg.dtmfPayload))
		attrs = append(attrs, sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/8000", c.neg.dtmfPayload, telephoneEvent)))
		if c.neg.dtmfFmtp != "" {
			attrs = append(attrs, sdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", c.neg.dtmfPayload, c.neg.dtmfFmtp)))
		}
	}
	attrs = append(attrs, sdp.NewPropertyAttribute(direction))

	answer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      c.sessionID,
			SessionVersion: c.sessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: c.advertisedIP,
		},
		SessionName: SessionName,
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: c.advertisedIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: c.port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	body, err := answer.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal answer")
	}
	c.body = body
	return nil
}
