package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nippo/internal/interface/repository/metrics"
)

func TestHub_AttachDetach(t *testing.T) {
	m := metrics.New("")
	h := NewHub(m)

	a := h.Attach()
	b := h.Attach()
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, h.Count())
	assert.Equal(t, int64(2), m.Snapshot().OpenSessions)

	h.Detach(a)
	h.Detach(a)
	assert.Equal(t, 1, h.Count())
	assert.Equal(t, int64(1), m.Snapshot().OpenSessions)
}

func TestHub_Claim(t *testing.T) {
	h := NewHub(metrics.New(""))
	a := h.Attach()
	b := h.Attach()

	claimed, err := h.Claim(context.Background(), "v2")
	require.NoError(t, err)
	assert.Equal(t, 2, claimed)

	for _, s := range []*Session{a, b} {
		assert.Equal(t, "v2", h.Controller(s))
		assert.Equal(t, Event{Type: EventControllerChange, Generation: "v2"}, <-s.Events())
	}

	// 既に制御下のセッションは数えない
	claimed, err = h.Claim(context.Background(), "v2")
	require.NoError(t, err)
	assert.Zero(t, claimed)

	// 後から来たセッションは現在の世代に制御される
	c := h.Attach()
	assert.Equal(t, "v2", h.Controller(c))
	assert.Empty(t, c.Events())
}

func TestHub_ClaimDropsOldestWhenFull(t *testing.T) {
	h := NewHub(metrics.New(""))
	s := h.Attach()

	for i := 0; i < eventBuffer+3; i++ {
		_, err := h.Claim(context.Background(), string(rune('a'+i)))
		require.NoError(t, err)
	}

	var last Event
	for len(s.Events()) > 0 {
		last = <-s.Events()
	}
	assert.Equal(t, string(rune('a'+eventBuffer+2)), last.Generation)
}

func TestHub_ClaimCancelled(t *testing.T) {
	h := NewHub(metrics.New(""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Claim(ctx, "v1")
	require.ErrorIs(t, err, context.Canceled)
}
