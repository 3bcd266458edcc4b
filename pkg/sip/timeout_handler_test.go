package sip

import (
	"context"
	"testing"
	"time"

	"ai-voice-connector/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutHandlerDefaults(t *testing.T) {
	th := NewTimeoutHandler(&TimeoutConfig{AckTimeout: 5 * time.Second}, quietLogger())

	assert.Equal(t, 10*time.Second, th.Timeout(OperationCallCreate))
	assert.Equal(t, 5*time.Second, th.Timeout(OperationAck))
}

func TestWithTimeoutReturnsResult(t *testing.T) {
	th := NewTimeoutHandler(nil, quietLogger())

	err := th.WithTimeout(context.Background(), OperationCallCreate, func(context.Context) error {
		return nil
	})
	assert.NoError(t, err)

	boom := errors.New("boom")
	err = th.WithTimeout(context.Background(), OperationCallCreate, func(context.Context) error {
		return boom
	})
	assert.Equal(t, boom, err)
}

func TestWithTimeoutExpires(t *testing.T) {
	th := NewTimeoutHandler(&TimeoutConfig{CallCreateTimeout: 20 * time.Millisecond}, quietLogger())

	release := make(chan struct{})
	defer close(release)

	err := th.WithTimeout(context.Background(), OperationCallCreate, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrTimeout))

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, OperationCallCreate, te.Operation)
}

func TestWithTimeoutParentCancelled(t *testing.T) {
	th := NewTimeoutHandler(nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := th.WithTimeout(ctx, OperationCallCreate, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	assert.True(t, errors.IsErrorType(err, errors.ErrCanceled))
}

func TestWithTimeoutRecoversPanic(t *testing.T) {
	th := NewTimeoutHandler(nil, quietLogger())

	err := th.WithTimeout(context.Background(), OperationCallCreate, func(context.Context) error {
		panic("factory exploded")
	})
	var pe *TimeoutPanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "factory exploded", pe.Panic)
}
