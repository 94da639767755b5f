package router

import (
	"time"

	"github.com/decred/slog"
	"github.com/leafo/blackkeys/internal/catalog"
	"github.com/leafo/blackkeys/internal/packet"
)

// HandlePackets scales batch and sends it to the active output. It is
// called by the transport for every batch read from a connected input and
// never blocks on selection edits. Batches are dropped when no output is
// active.
func (c *Controller) HandlePackets(src catalog.DeviceID, batch []packet.Event) {
	start := time.Now()
	c.stats.BatchesReceived.Inc()

	r := c.route.Load()
	if !r.hasOut {
		c.stats.BatchesDropped.Inc()
		if c.log.Level() == slog.LevelTrace {
			c.log.Tracef("[DROPPED] %d events from %s", len(batch), src)
		}
		return
	}

	buf := c.bufs.Get().(*packet.Buffer)
	out, n := buf.Scale(batch, r.percent)

	if c.log.Level() == slog.LevelTrace {
		for i := range batch {
			c.log.Tracef("[%s] %s", r.out.Name, packet.Describe(batch[i], out[i]))
		}
	}

	if err := c.t.Send(r.out.Endpoint(), out); err != nil {
		c.stats.SendErrors.Inc()
		c.log.Errorf("Error sending to %s: %v", r.out.Name, err)
	} else {
		c.stats.EventsForwarded.Add(float64(len(out)))
		c.stats.NotesRewritten.Add(float64(n))
	}

	buf.Reset()
	c.bufs.Put(buf)

	c.stats.FwdDelay.Observe(float64(time.Since(start).Microseconds()))
}
