package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitConnectReturnsResult(t *testing.T) {
	link, err := awaitConnect(context.Background(),
		func() (int, error) { return 7, nil },
		func(int) { t.Error("abandon called for a returned link") })
	require.NoError(t, err)
	assert.Equal(t, 7, link)

	_, err = awaitConnect(context.Background(),
		func() (int, error) { return 0, errors.New("refused") },
		func(int) { t.Error("abandon called for a failed connect") })
	assert.EqualError(t, err, "refused")
}

func TestAwaitConnectAbandonsLateLink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	abandoned := make(chan int, 1)

	done := make(chan error, 1)
	go func() {
		_, err := awaitConnect(ctx,
			func() (int, error) {
				<-release
				return 3, nil
			},
			func(link int) { abandoned <- link })
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("awaitConnect did not return after cancel")
	}

	close(release)
	select {
	case link := <-abandoned:
		assert.Equal(t, 3, link)
	case <-time.After(time.Second):
		t.Fatal("late link was not abandoned")
	}
}

func TestAwaitConnectLateFailureNotAbandoned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	finished := make(chan struct{})

	_, err := awaitConnect(ctx,
		func() (int, error) {
			defer close(finished)
			return 0, errors.New("timeout")
		},
		func(int) { t.Error("abandon called for a failed connect") })

	// Either branch may win with an already cancelled ctx.
	if err != nil && !errors.Is(err, context.Canceled) {
		assert.EqualError(t, err, "timeout")
	}
	<-finished
}

func TestTinygoScanWithDoneContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// No radio is touched when ctx is already done.
	devices, err := (&TinygoAdapter{}).Scan(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, devices)
}
