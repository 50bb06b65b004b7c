package pins

import (
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPinIsIdempotent(t *testing.T) {
	r := New()
	added, err := r.Pin(model.PinnedEntry{MessageID: "m1", PinnedBy: "a", PinnedAt: t0})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.Pin(model.PinnedEntry{MessageID: "m1", PinnedBy: "b", PinnedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, added)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].PinnedBy)
}

func TestUnpinMissingFails(t *testing.T) {
	r := New()
	_, err := r.Unpin("m1")
	assert.ErrorIs(t, err, apperr.ErrPinNotFound)
}

func TestUnpinReturnsEntry(t *testing.T) {
	r := New()
	_, _ = r.Pin(model.PinnedEntry{MessageID: "m1", Content: "hi"})
	e, err := r.Unpin("m1")
	require.NoError(t, err)
	assert.Equal(t, "hi", e.Content)
	assert.False(t, r.IsPinned("m1"))
}

func TestRetract(t *testing.T) {
	r := New()
	_, ok := r.Retract("m1")
	assert.False(t, ok)

	_, _ = r.Pin(model.PinnedEntry{MessageID: "m1"})
	_, ok = r.Retract("m1")
	assert.True(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestListOrderedByPinTime(t *testing.T) {
	r := New()
	_, _ = r.Pin(model.PinnedEntry{MessageID: "late", PinnedAt: t0.Add(time.Hour)})
	_, _ = r.Pin(model.PinnedEntry{MessageID: "early", PinnedAt: t0})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].MessageID)
	assert.Equal(t, "late", list[1].MessageID)
}

func TestResetCollapsesDuplicates(t *testing.T) {
	r := New()
	_, _ = r.Pin(model.PinnedEntry{MessageID: "gone"})
	r.Reset([]model.PinnedEntry{{MessageID: "m1"}, {MessageID: "m1"}, {MessageID: ""}})

	assert.Equal(t, 1, r.Len())
	assert.True(t, r.IsPinned("m1"))
	assert.False(t, r.IsPinned("gone"))
}

func TestPinRequiresMessageID(t *testing.T) {
	_, err := New().Pin(model.PinnedEntry{})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
}
