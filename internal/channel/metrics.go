package channel

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/hostbridge/hostbridge/internal/logx"
	"github.com/hostbridge/hostbridge/internal/protocol"
)

// metricSpec is one requested metric in a metrics1 open.
type metricSpec struct {
	Name   string `json:"name"`
	Derive string `json:"derive,omitempty"`
}

// Metrics samples internal host metrics at a fixed interval. The first
// data frame is a meta description; each following frame is one row of
// samples in metric order.
type Metrics struct {
	out      Sender
	specs    []metricSpec
	interval time.Duration
	cancel   context.CancelFunc

	// previous absolute values for rate-derived metrics, keyed by
	// metric index
	prev map[int][]float64
}

func NewMetrics(req *OpenRequest, out Sender) (Endpoint, error) {
	var args struct {
		Metrics  []metricSpec `json:"metrics"`
		Interval int          `json:"interval"`
		Source   string       `json:"source"`
	}
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.Source != "" && args.Source != "internal" {
		return nil, protocol.Errf(protocol.NotSupported, "unsupported metrics source %q", args.Source)
	}
	if len(args.Metrics) == 0 {
		return nil, protocol.Errf(protocol.ProtocolError, "metrics1 requires metrics")
	}
	for _, m := range args.Metrics {
		if !knownMetric(m.Name) {
			return nil, protocol.Errf(protocol.NotSupported, "unknown metric %q", m.Name)
		}
	}
	interval := time.Duration(args.Interval) * time.Millisecond
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Metrics{out: out, specs: args.Metrics, interval: interval, prev: map[int][]float64{}}, nil
}

func knownMetric(name string) bool {
	switch name {
	case "cpu.core.user", "cpu.user", "memory.used", "memory.free":
		return true
	}
	return false
}

func (c *Metrics) Start() error {
	c.out.Ready(nil)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	return nil
}

func (c *Metrics) run(ctx context.Context) {
	c.sendMeta()
	c.sample()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Metrics) sendMeta() {
	metrics := make([]map[string]any, 0, len(c.specs))
	for _, spec := range c.specs {
		entry := map[string]any{"name": spec.Name}
		if spec.Derive != "" {
			entry["derive"] = spec.Derive
		}
		if spec.Name == "cpu.core.user" {
			n, err := cpu.Counts(true)
			if err != nil || n < 1 {
				n = 1
			}
			instances := make([]string, n)
			for i := range instances {
				instances[i] = strconv.Itoa(i)
			}
			entry["instances"] = instances
		}
		metrics = append(metrics, entry)
	}
	b, _ := json.Marshal(map[string]any{
		"timestamp": float64(time.Now().UnixNano()) / 1e6,
		"interval":  int(c.interval / time.Millisecond),
		"source":    "internal",
		"metrics":   metrics,
	})
	c.out.Data(b)
}

// sample emits one row of values. Rate-derived metrics report false
// until a previous sample exists.
func (c *Metrics) sample() {
	row := make([]any, 0, len(c.specs))
	for i, spec := range c.specs {
		value, ok := c.read(spec.Name)
		if !ok {
			row = append(row, false)
			continue
		}
		if spec.Derive == "rate" {
			prev, have := c.prev[i]
			c.prev[i] = value
			if !have || len(prev) != len(value) {
				if len(value) == 1 {
					row = append(row, false)
				} else {
					rates := make([]any, len(value))
					for j := range rates {
						rates[j] = false
					}
					row = append(row, rates)
				}
				continue
			}
			rates := make([]any, len(value))
			for j := range value {
				rates[j] = (value[j] - prev[j]) / c.interval.Seconds()
			}
			if len(rates) == 1 {
				row = append(row, rates[0])
			} else {
				row = append(row, rates)
			}
			continue
		}
		if len(value) == 1 {
			row = append(row, int64(value[0]))
		} else {
			vals := make([]any, len(value))
			for j := range value {
				vals[j] = value[j]
			}
			row = append(row, vals)
		}
	}
	b, _ := json.Marshal([]any{row})
	c.out.Data(b)
}

// read returns the current absolute value(s) of a metric. Per-instance
// metrics return one element per instance.
func (c *Metrics) read(name string) ([]float64, bool) {
	switch name {
	case "cpu.core.user":
		times, err := cpu.Times(true)
		if err != nil || len(times) == 0 {
			logx.Log.Debug().Err(err).Msg("metrics1 cpu sample")
			return nil, false
		}
		out := make([]float64, len(times))
		for i, t := range times {
			out[i] = t.User * 1000
		}
		return out, true
	case "cpu.user":
		times, err := cpu.Times(false)
		if err != nil || len(times) == 0 {
			return nil, false
		}
		return []float64{times[0].User * 1000}, true
	case "memory.used":
		vm, err := mem.VirtualMemory()
		if err != nil {
			return nil, false
		}
		return []float64{float64(vm.Used)}, true
	case "memory.free":
		vm, err := mem.VirtualMemory()
		if err != nil {
			return nil, false
		}
		return []float64{float64(vm.Free)}, true
	}
	return nil, false
}

func (c *Metrics) Receive(p []byte) {}
func (c *Metrics) ReceiveDone()     {}

func (c *Metrics) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
