package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestWorldview tests observation, freshness filtering, and expiry
func TestWorldview(t *testing.T) {
	base := time.Unix(1_000_000, 0)
	staleness := 300 * time.Second

	t.Run("observe and list holders", func(t *testing.T) {
		w := NewWorldview()
		w.Observe("obj", "node-b", base)
		w.Observe("obj", "node-a", base)

		holders := w.Holders("obj", staleness, base.Add(time.Second))
		assert.Equal(t, []string{"node-a", "node-b"}, holders)
		assert.Equal(t, 1, w.ObjectCount())
	})

	t.Run("duplicate observations collapse", func(t *testing.T) {
		w := NewWorldview()
		w.Observe("obj", "node-a", base)
		w.Observe("obj", "node-a", base.Add(time.Minute))

		holders := w.Holders("obj", staleness, base.Add(2*time.Minute))
		assert.Equal(t, []string{"node-a"}, holders)
	})

	t.Run("stale records are invisible to readers", func(t *testing.T) {
		w := NewWorldview()
		w.Observe("obj", "node-old", base)
		w.Observe("obj", "node-new", base.Add(4*time.Minute))

		// Five minutes after the first record only the second is fresh.
		holders := w.Holders("obj", staleness, base.Add(5*time.Minute))
		assert.Equal(t, []string{"node-new"}, holders)
	})

	t.Run("expire rebuilds the whole map", func(t *testing.T) {
		w := NewWorldview()
		w.Observe("dead", "node-a", base)
		w.Observe("alive", "node-a", base)
		w.Observe("alive", "node-b", base.Add(4*time.Minute))

		w.Expire(staleness, base.Add(5*time.Minute))

		assert.Equal(t, 1, w.ObjectCount(), "objects with no fresh records disappear")
		assert.Empty(t, w.Holders("dead", staleness, base.Add(5*time.Minute)))
		assert.Equal(t, []string{"node-b"}, w.Holders("alive", staleness, base.Add(5*time.Minute)))
	})

	t.Run("a refreshed record survives expiry", func(t *testing.T) {
		w := NewWorldview()
		w.Observe("obj", "node-a", base)
		w.Observe("obj", "node-a", base.Add(4*time.Minute))

		w.Expire(staleness, base.Add(5*time.Minute))
		assert.Equal(t, []string{"node-a"}, w.Holders("obj", staleness, base.Add(5*time.Minute)))
	})

	t.Run("forget drops an object outright", func(t *testing.T) {
		w := NewWorldview()
		w.Observe("obj", "node-a", base)
		w.Forget("obj")
		assert.Empty(t, w.Holders("obj", staleness, base))
		assert.Equal(t, 0, w.ObjectCount())
	})

	t.Run("unknown object has no holders", func(t *testing.T) {
		w := NewWorldview()
		assert.Empty(t, w.Holders("missing", staleness, base))
	})
}
