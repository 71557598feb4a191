package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-bridge/internal/media"
)

func TestTurn_CancelIsIdempotent(t *testing.T) {
	turn := NewTurn(context.Background(), 1, KindSpeech)

	assert.False(t, turn.Cancelled())
	assert.True(t, turn.Cancel())
	assert.False(t, turn.Cancel())
	assert.True(t, turn.Cancelled())
	assert.Error(t, turn.Context().Err())
}

func TestTurn_WaitForAcknowledgement(t *testing.T) {
	turn := NewTurn(context.Background(), 1, KindSpeech)
	assert.False(t, turn.Wait(10*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		turn.finish()
	}()
	assert.True(t, turn.Wait(time.Second))
}

func TestTurn_SideEffectsSealOnceTaken(t *testing.T) {
	turn := NewTurn(context.Background(), 1, KindSpeech)
	require.True(t, turn.AttachSideEffect(PendingSideEffect{Media: media.Handle{Query: "a"}}))

	taken := turn.takeSideEffects()
	require.Len(t, taken, 1)
	assert.Equal(t, "a", taken[0].Media.Query)

	assert.False(t, turn.AttachSideEffect(PendingSideEffect{Media: media.Handle{Query: "b"}}))
}

func TestTurn_CancelledTurnRefusesSideEffects(t *testing.T) {
	turn := NewTurn(context.Background(), 1, KindSpeech)
	turn.Cancel()
	assert.False(t, turn.AttachSideEffect(PendingSideEffect{}))
}

func TestHistory_KeepsMostRecentExchanges(t *testing.T) {
	h := NewHistory(2)
	h.Add("q1", "a1")
	h.Add("q2", "a2")
	h.Add("q3", "a3")

	msgs := h.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "q2", msgs[0].Text)
	assert.Equal(t, "a3", msgs[3].Text)

	var disabled *History
	disabled.Add("q", "a")
	assert.Empty(t, disabled.Messages())
	NewHistory(0).Add("q", "a")
	assert.Empty(t, NewHistory(0).Messages())
}
