package delivery

import (
	"sync/atomic"

	"walletchat/metrics"
)

// Stats are cumulative engine counters.
type Stats struct {
	Sent      uint64 `json:"sent"`
	Delivered uint64 `json:"delivered"`
	Read      uint64 `json:"read"`
	Failed    uint64 `json:"failed"`
	Retries   uint64 `json:"retries"`
	Cancelled uint64 `json:"cancelled"`
	Expired   uint64 `json:"expired"`

	Received        uint64 `json:"received"`
	Dropped         uint64 `json:"dropped"`
	Duplicates      uint64 `json:"duplicates"`
	DecryptFailures uint64 `json:"decryptFailures"`
	Forwarded       uint64 `json:"forwarded"`

	Stored        uint64 `json:"stored"`
	StoreFailures uint64 `json:"storeFailures"`
	Batches       uint64 `json:"batches"`
}

type counters struct {
	sent, delivered, read, failed, retries, cancelled, expired atomic.Uint64
	received, dropped, duplicates, decryptFailures, forwarded  atomic.Uint64
	stored, storeFailures                                      atomic.Uint64
}

// bump increments c and the matching prometheus event.
func bump(c *atomic.Uint64, event string) {
	c.Add(1)
	metrics.DeliveryEvents.WithLabelValues(event).Inc()
}

func (c *counters) snapshot() Stats {
	return Stats{
		Sent:            c.sent.Load(),
		Delivered:       c.delivered.Load(),
		Read:            c.read.Load(),
		Failed:          c.failed.Load(),
		Retries:         c.retries.Load(),
		Cancelled:       c.cancelled.Load(),
		Expired:         c.expired.Load(),
		Received:        c.received.Load(),
		Dropped:         c.dropped.Load(),
		Duplicates:      c.duplicates.Load(),
		DecryptFailures: c.decryptFailures.Load(),
		Forwarded:       c.forwarded.Load(),
		Stored:          c.stored.Load(),
		StoreFailures:   c.storeFailures.Load(),
	}
}
