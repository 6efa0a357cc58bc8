package hub

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is the process-wide count of registered device connections.
type Counter struct {
	n     atomic.Int64
	gauge prometheus.Gauge
}

// NewCounter mirrors the count into gauge when it is non-nil.
func NewCounter(gauge prometheus.Gauge) *Counter {
	return &Counter{gauge: gauge}
}

func (c *Counter) Inc() int64 {
	v := c.n.Add(1)
	c.publish(v)
	return v
}

// Dec decrements but never below zero.
func (c *Counter) Dec() int64 {
	for {
		cur := c.n.Load()
		if cur <= 0 {
			return 0
		}
		if c.n.CompareAndSwap(cur, cur-1) {
			c.publish(cur - 1)
			return cur - 1
		}
	}
}

func (c *Counter) Value() int64 { return c.n.Load() }

func (c *Counter) publish(v int64) {
	if c.gauge != nil {
		c.gauge.Set(float64(v))
	}
}
