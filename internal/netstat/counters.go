package netstat

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/jeffypooo/hoststat/internal/telemetry"
)

// CounterSampler derives per-interface KB/s from the kernel's cumulative
// IO counters, for hosts without an ifstat binary. The first tick only seeds
// the counters.
type CounterSampler struct {
	table    *Table
	logger   *log.Logger
	tel      *telemetry.Metrics
	interval time.Duration

	ioCounters func(ctx context.Context) ([]net.IOCountersStat, error)
	now        func() time.Time

	last     map[string]net.IOCountersStat
	lastTime time.Time
}

func NewCounterSampler(table *Table, interval time.Duration, logger *log.Logger, tel *telemetry.Metrics) *CounterSampler {
	return &CounterSampler{
		table:    table,
		logger:   logger,
		tel:      tel,
		interval: interval,
		ioCounters: func(ctx context.Context) ([]net.IOCountersStat, error) {
			return net.IOCountersWithContext(ctx, true)
		},
		now: time.Now,
	}
}

// Run samples every interval until ctx is cancelled. It fails only when the
// interval cannot drive a ticker.
func (c *CounterSampler) Run(ctx context.Context) error {
	if c.interval <= 0 {
		return fmt.Errorf("netstat: counter interval must be positive, got %s", c.interval)
	}
	c.logger.Infof("network counters sampling every %s", c.interval)
	c.sample(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sample(ctx)
		}
	}
}

func (c *CounterSampler) sample(ctx context.Context) {
	stats, err := c.ioCounters(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Errorf("failed to get network counters: %v", err)
		c.table.Clear()
		c.tel.TableCleared()
		c.last = nil
		return
	}
	now := c.now()

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})

	current := make(map[string]net.IOCountersStat, len(stats))
	for _, st := range stats {
		current[st.Name] = st
	}

	if c.last != nil {
		elapsed := now.Sub(c.lastTime).Seconds()
		if elapsed > 0 {
			entries := make([]Entry, 0, len(stats))
			for _, st := range stats {
				prev, ok := c.last[st.Name]
				if !ok {
					continue
				}
				entries = append(entries, Entry{
					Device: st.Name,
					In:     rate(prev.BytesRecv, st.BytesRecv, elapsed),
					Out:    rate(prev.BytesSent, st.BytesSent, elapsed),
				})
			}
			c.table.Replace(entries)
			c.tel.SetTableDevices(len(entries))
		}
	}

	c.last = current
	c.lastTime = now
}

// rate renders the KB/s between two counter readings, or NotAvailable when
// the counter went backwards (wrap or interface reset).
func rate(prev, cur uint64, seconds float64) string {
	if cur < prev {
		return NotAvailable
	}
	kb := float64(cur-prev) / 1024 / seconds
	return strconv.FormatFloat(kb, 'f', 2, 64)
}
