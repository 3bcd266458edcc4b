package call

import (
	"fmt"
	"strconv"
	"strings"

	"ai-voice-connector/pkg/errors"

	"github.com/pion/sdp/v3"
)

// Codec describes an RTP audio payload format.
type Codec struct {
	Name      string
	ClockRate uint32
	Channels  int

	// StaticPayload is the RFC 3551 payload type, or -1 for dynamic codecs.
	StaticPayload int
}

// RTPMap renders the rtpmap attribute value for payload type pt.
func (c Codec) RTPMap(pt int) string {
	if c.Channels > 1 {
		return fmt.Sprintf("%d %s/%d/%d", pt, c.Name, c.ClockRate, c.Channels)
	}
	return fmt.Sprintf("%d %s/%d", pt, c.Name, c.ClockRate)
}

var knownCodecs = map[string]Codec{
	"PCMU": {Name: "PCMU", ClockRate: 8000, Channels: 1, StaticPayload: 0},
	"PCMA": {Name: "PCMA", ClockRate: 8000, Channels: 1, StaticPayload: 8},
	"G722": {Name: "G722", ClockRate: 8000, Channels: 1, StaticPayload: 9},
	"OPUS": {Name: "opus", ClockRate: 48000, Channels: 2, StaticPayload: -1},
}

const telephoneEvent = "telephone-event"

// LookupCodec finds a codec by name, case-insensitively.
func LookupCodec(name string) (Codec, bool) {
	c, ok := knownCodecs[strings.ToUpper(strings.TrimSpace(name))]
	return c, ok
}

// offeredFormat is one payload type of an offered media section.
type offeredFormat struct {
	payloadType int
	name        string
	clockRate   uint32
	channels    int
	fmtp        string
}

// offeredFormats lists the formats of md in offer order, resolving rtpmap and
// fmtp attributes and falling back to static payload assignments.
func offeredFormats(md *sdp.MediaDescription) []offeredFormat {
	rtpmaps := make(map[int]offeredFormat)
	fmtps := make(map[int]string)
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "rtpmap":
			if f, ok := parseRTPMap(attr.Value); ok {
				rtpmaps[f.payloadType] = f
			}
		case "fmtp":
			pt, params, ok := strings.Cut(attr.Value, " ")
			if n, err := strconv.Atoi(pt); ok && err == nil {
				fmtps[n] = strings.TrimSpace(params)
			}
		}
	}

	formats := make([]offeredFormat, 0, len(md.MediaName.Formats))
	for _, raw := range md.MediaName.Formats {
		pt, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		f, ok := rtpmaps[pt]
		if !ok {
			f, ok = staticFormat(pt)
			if !ok {
				continue
			}
		}
		f.fmtp = fmtps[pt]
		formats = append(formats, f)
	}
	return formats
}

// parseRTPMap parses "96 opus/48000/2".
func parseRTPMap(value string) (offeredFormat, bool) {
	pt, encoding, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return offeredFormat{}, false
	}
	n, err := strconv.Atoi(pt)
	if err != nil {
		return offeredFormat{}, false
	}

	parts := strings.Split(strings.TrimSpace(encoding), "/")
	f := offeredFormat{payloadType: n, name: parts[0], channels: 1}
	if len(parts) > 1 {
		rate, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return offeredFormat{}, false
		}
		f.clockRate = uint32(rate)
	}
	if len(parts) > 2 {
		if ch, err := strconv.Atoi(parts[2]); err == nil {
			f.channels = ch
		}
	}
	return f, true
}

func staticFormat(pt int) (offeredFormat, bool) {
	for _, c := range knownCodecs {
		if c.StaticPayload == pt {
			return offeredFormat{payloadType: pt, name: c.Name, clockRate: c.ClockRate, channels: c.Channels}, true
		}
	}
	return offeredFormat{}, false
}

// negotiation is the outcome of matching an offer against a profile.
type negotiation struct {
	codec       Codec
	payloadType int
	fmtp        string

	// dtmfPayload is the offered telephone-event payload type, or -1.
	dtmfPayload int
	dtmfFmtp    string
}

// negotiate picks the first offered format the profile supports, honoring the
// offerer's preference order.
func negotiate(md *sdp.MediaDescription, supported []Codec) (negotiation, error) {
	result := negotiation{dtmfPayload: -1}
	found := false

	for _, f := range offeredFormats(md) {
		if strings.EqualFold(f.name, telephoneEvent) {
			if result.dtmfPayload < 0 {
				result.dtmfPayload = f.payloadType
				result.dtmfFmtp = f.fmtp
			}
			continue
		}
		if found {
			continue
		}
		for _, c := range supported {
			if strings.EqualFold(c.Name, f.name) && (f.clockRate == 0 || f.clockRate == c.ClockRate) {
				result.codec = c
				result.payloadType = f.payloadType
				result.fmtp = f.fmtp
				found = true
				break
			}
		}
	}

	if !found {
		return result, errors.ErrUnsupportedCodec
	}
	return result, nil
}
