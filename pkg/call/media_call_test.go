package call

import (
	"context"
	"io"
	"strings"
	"testing"

	"ai-voice-connector/pkg/errors"
	"ai-voice-connector/pkg/media"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseOffer(t *testing.T, lines ...string) *sdp.SessionDescription {
	t.Helper()
	sd := &sdp.SessionDescription{}
	require.NoError(t, sd.Unmarshal([]byte(strings.Join(lines, "\r\n")+"\r\n")))
	return sd
}

func offerWith(t *testing.T, mline string, attrs ...string) *sdp.SessionDescription {
	lines := []string{
		"v=0",
		"o=alice 2890844526 2890844526 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		mline,
	}
	return parseOffer(t, append(lines, attrs...)...)
}

func newTestFactory(t *testing.T) (*MediaFactory, *media.PortManager) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ports := media.NewPortManager(30000, 30010).WithChecker(func(int) bool { return true })
	factory, err := NewMediaFactory(logger, "10.0.0.2", ports, map[string][]string{
		"deepgram": {"PCMU", "PCMA"},
		"realtime": {"opus", "PCMU"},
	})
	require.NoError(t, err)
	return factory, ports
}

func TestMediaFactoryAnswersOffer(t *testing.T) {
	factory, ports := newTestFactory(t)

	offer := offerWith(t, "m=audio 49170 RTP/AVP 8 0 101",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-16",
		"a=sendrecv",
	)

	c, err := factory.Create(context.Background(), "Ab3dE9xQ", offer, "deepgram")
	require.NoError(t, err)
	require.NotEmpty(t, c.ID())

	body := string(c.Body())
	assert.Contains(t, body, "s=AI Voice Connector\r\n")
	assert.Contains(t, body, "c=IN IP4 10.0.0.2\r\n")
	assert.Contains(t, body, "m=audio 30000 RTP/AVP 8 101\r\n", "offerer preference order wins")
	assert.Contains(t, body, "a=rtpmap:8 PCMA/8000\r\n")
	assert.Contains(t, body, "a=rtpmap:101 telephone-event/8000\r\n")
	assert.Contains(t, body, "a=fmtp:101 0-16\r\n")
	assert.Contains(t, body, "a=sendrecv\r\n")

	answer := &sdp.SessionDescription{}
	require.NoError(t, answer.Unmarshal(c.Body()))
	assert.Equal(t, uint64(0), answer.Origin.SessionVersion)

	assert.Equal(t, 1, ports.GetStats().UsedPorts)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, ports.GetStats().UsedPorts)
}

func TestMediaCallPauseResume(t *testing.T) {
	factory, _ := newTestFactory(t)
	offer := offerWith(t, "m=audio 49170 RTP/AVP 0")

	c, err := factory.Create(context.Background(), "tag", offer, "deepgram")
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.Paused())

	c.Pause()
	assert.True(t, c.Paused())
	assert.Contains(t, string(c.Body()), "a=inactive\r\n")
	assert.NotContains(t, string(c.Body()), "a=sendrecv")

	paused := &sdp.SessionDescription{}
	require.NoError(t, paused.Unmarshal(c.Body()))
	assert.Equal(t, uint64(1), paused.Origin.SessionVersion)

	c.Pause()
	require.NoError(t, paused.Unmarshal(c.Body()))
	assert.Equal(t, uint64(1), paused.Origin.SessionVersion, "repeated pause does not change the answer")

	c.Resume()
	assert.False(t, c.Paused())
	assert.Contains(t, string(c.Body()), "a=sendrecv\r\n")
}

func TestMediaFactoryDynamicCodec(t *testing.T) {
	factory, _ := newTestFactory(t)
	offer := offerWith(t, "m=audio 49170 RTP/AVP 111 0",
		"a=rtpmap:111 opus/48000/2",
		"a=fmtp:111 minptime=10;useinbandfec=1",
	)

	c, err := factory.Create(context.Background(), "tag", offer, "realtime")
	require.NoError(t, err)
	defer c.Close()

	body := string(c.Body())
	assert.Contains(t, body, "m=audio 30000 RTP/AVP 111\r\n")
	assert.Contains(t, body, "a=rtpmap:111 opus/48000/2\r\n")
	assert.Contains(t, body, "a=fmtp:111 minptime=10;useinbandfec=1\r\n")
}

func TestMediaFactoryErrors(t *testing.T) {
	factory, ports := newTestFactory(t)
	ctx := context.Background()

	_, err := factory.Create(ctx, "tag", offerWith(t, "m=audio 49170 RTP/AVP 0"), "nobody")
	assert.ErrorIs(t, err, errors.ErrUnknownProfile)

	_, err = factory.Create(ctx, "tag", offerWith(t, "m=audio 49170 RTP/AVP 18", "a=rtpmap:18 G729/8000"), "deepgram")
	assert.ErrorIs(t, err, errors.ErrUnsupportedCodec)

	_, err = factory.Create(ctx, "tag", offerWith(t, "m=video 49170 RTP/AVP 96", "a=rtpmap:96 H264/90000"), "deepgram")
	assert.ErrorIs(t, err, errors.ErrNoAudioMedia)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = factory.Create(cancelled, "tag", offerWith(t, "m=audio 49170 RTP/AVP 0"), "deepgram")
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, ports.GetStats().UsedPorts, "failed creations hold no ports")
}

func TestNewMediaFactoryRejectsUnknownCodec(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	_, err := NewMediaFactory(logger, "10.0.0.2", media.NewPortManager(30000, 30010), map[string][]string{
		"broken": {"AMR-WB"},
	})
	assert.Error(t, err)
}

func TestProfileLookup(t *testing.T) {
	factory, _ := newTestFactory(t)
	assert.True(t, factory.HasProfile("deepgram"))
	assert.False(t, factory.HasProfile("ai"))
	assert.Equal(t, []string{"deepgram", "realtime"}, factory.Profiles())
}
