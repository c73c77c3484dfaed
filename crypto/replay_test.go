package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendCounterNextIsMonotonicAndTracksValue(t *testing.T) {
	var c SendCounter
	require.Equal(t, uint64(0), c.Value())

	for want := uint64(0); want < 5; want++ {
		got, err := c.Next()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Equal(t, uint64(5), c.Value())
}

func TestSendCounterNextRefusesNearExhaustion(t *testing.T) {
	c := SendCounter{value: ^uint64(0) - NonceOverflowMargin}
	_, err := c.Next()
	require.ErrorIs(t, err, ErrNonceExhausted)
}

func TestReplayWindowAcceptsInOrderSequence(t *testing.T) {
	w := NewReplayWindow(0)
	for seq := uint64(0); seq < 10; seq++ {
		require.NoError(t, w.Accept(seq))
	}
}

func TestReplayWindowRejectsExactReplay(t *testing.T) {
	w := NewReplayWindow(DefaultReplayWindowSize)
	require.NoError(t, w.Accept(5))
	require.ErrorIs(t, w.Accept(5), ErrReplay)
}

func TestReplayWindowAcceptsOutOfOrderWithinWindow(t *testing.T) {
	w := NewReplayWindow(64)
	require.NoError(t, w.Accept(10))
	require.NoError(t, w.Accept(8))
	require.NoError(t, w.Accept(9))
	require.ErrorIs(t, w.Accept(8), ErrReplay)
}

func TestReplayWindowRejectsSequenceBelowWindow(t *testing.T) {
	w := NewReplayWindow(4)
	require.NoError(t, w.Accept(100))
	require.ErrorIs(t, w.Accept(95), ErrReplay)
}

func TestReplayWindowSlidesForwardOnNewHighest(t *testing.T) {
	w := NewReplayWindow(4)
	require.NoError(t, w.Accept(0))
	require.NoError(t, w.Accept(1))
	require.NoError(t, w.Accept(10))
	require.ErrorIs(t, w.Accept(1), ErrReplay)
	require.NoError(t, w.Accept(9))
}
