package context

import (
	"time"

	"github.com/tipscore/corebus/envelope"
	"github.com/tipscore/corebus/internal/metrics"
	"github.com/tipscore/corebus/tag"
)

// StartPurger launches the stuck-consumer purger described in spec.md
// §4.5 and grounded on hmbdc's StuckClientPurger.hpp from
// original_source/: every interval, scan consumer cursors, mark dead any
// that haven't advanced for a full interval while the ring has pending
// data, then publish a synthetic Flush envelope so the remaining live
// consumers promptly notice the freed capacity. Returns a stop function.
func (c *Context) StartPurger(interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.purgeOnce(interval)
			}
		}
	}()
	return func() { close(done) }
}

func (c *Context) purgeOnce(interval time.Duration) {
	purged := c.ring.Purge(interval)
	if len(purged) == 0 {
		return
	}

	for _, h := range purged {
		c.mu.Lock()
		rec, ok := c.subs[h]
		delete(c.subs, h)
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.unregisterInterests(rec.sub.Interests)
		metrics.ConsumersPurged.WithLabelValues(c.ringTag).Inc()
		if rec.sub.OnDrop != nil {
			rec.sub.OnDrop()
		}
	}

	c.publishFlush()
}

// publishFlush enqueues a zero-payload envelope tagged TagFlush so every
// remaining live consumer wakes promptly instead of waiting out its next
// peek's idle sleep.
func (c *Context) publishFlush() {
	claimed := c.ring.Claim(1)
	slot := claimed.Slots(c.ring)[0]
	envelope.WriteHeader(slot, envelope.Header{TypeTag: tag.TagFlush})
	c.ring.Commit(claimed)
}
