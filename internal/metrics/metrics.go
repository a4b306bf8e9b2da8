package metrics

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/jeffypooo/hoststat/internal/config"
	"github.com/jeffypooo/hoststat/internal/netstat"
	"github.com/jeffypooo/hoststat/internal/runner"
)

type Options struct {
	DiskCommand   string
	DiskExclude   []string
	LoadCommand   string
	MemoryEnabled bool
	MemoryCommand string

	// Host, when set, is added as the first label of every line.
	Host string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DiskCommand:   cfg.Disk.Command,
		DiskExclude:   cfg.Disk.Exclude,
		LoadCommand:   cfg.Load.Command,
		MemoryEnabled: cfg.Memory.Enabled,
		MemoryCommand: cfg.Memory.Command,
	}
}

// LookupHost returns the hostname used for the host label.
func LookupHost(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("error getting host info: %w", err)
	}
	return info.Hostname, nil
}

// Aggregator builds the scrape document: disk, load, optional memory, then
// whatever the network table currently holds.
type Aggregator struct {
	runner runner.Runner
	table  *netstat.Table
	opts   Options
}

// NewAggregator wires an aggregator. table is nil when no network sampler
// runs, in which case network lines are never emitted.
func NewAggregator(r runner.Runner, table *netstat.Table, opts Options) *Aggregator {
	return &Aggregator{
		runner: r,
		table:  table,
		opts:   opts,
	}
}

// Collect gathers every metric line for one scrape. Any malformed local
// command output fails the whole collection.
func (a *Aggregator) Collect(ctx context.Context) ([]Line, error) {
	var lines []Line

	dfOut, err := a.runner.Run(ctx, a.opts.DiskCommand)
	if err != nil {
		return nil, fmt.Errorf("error getting disk usage: %w", err)
	}
	rows, err := ParseDisk(dfOut, a.opts.DiskExclude)
	if err != nil {
		return nil, fmt.Errorf("error getting disk usage: %w", err)
	}
	for _, r := range rows {
		labels := a.labels(Label{"mount", r.Mount}, Label{"device", r.Device})
		lines = append(lines,
			Line{Name: DiskBytesUsed, Labels: labels, Value: r.Used},
			Line{Name: DiskBytesAvail, Labels: labels, Value: r.Available},
			Line{Name: DiskUsedPercent, Labels: labels, Value: r.UsePercent},
		)
	}

	loadOut, err := a.runner.Run(ctx, a.opts.LoadCommand)
	if err != nil {
		return nil, fmt.Errorf("error getting load average: %w", err)
	}
	load, err := ParseLoad(loadOut)
	if err != nil {
		return nil, fmt.Errorf("error getting load average: %w", err)
	}
	bare := a.labels()
	lines = append(lines,
		Line{Name: CPULoad1, Labels: bare, Value: load.Load1},
		Line{Name: CPULoad5, Labels: bare, Value: load.Load5},
		Line{Name: CPULoad15, Labels: bare, Value: load.Load15},
	)

	if a.opts.MemoryEnabled {
		memLines, err := a.memory(ctx, bare)
		if err != nil {
			return nil, err
		}
		lines = append(lines, memLines...)
	}

	if a.table != nil {
		for _, e := range a.table.Snapshot() {
			labels := a.labels(Label{"device", e.Device})
			if numeric(e.In) {
				lines = append(lines, Line{Name: NetKBIn, Labels: labels, Value: e.In})
			}
			if numeric(e.Out) {
				lines = append(lines, Line{Name: NetKBOut, Labels: labels, Value: e.Out})
			}
		}
	}

	return lines, nil
}

// Render collects and formats one scrape document.
func (a *Aggregator) Render(ctx context.Context) ([]byte, error) {
	lines, err := a.Collect(ctx)
	if err != nil {
		return nil, err
	}
	return Format(lines)
}

func (a *Aggregator) memory(ctx context.Context, labels []Label) ([]Line, error) {
	out, err := a.runner.Run(ctx, a.opts.MemoryCommand)
	if err != nil {
		return nil, fmt.Errorf("error getting memory usage: %w", err)
	}
	mem, err := ParseMemory(out)
	if err != nil {
		return nil, fmt.Errorf("error getting memory usage: %w", err)
	}
	pct, err := mem.UsedPercent()
	if err != nil {
		return nil, fmt.Errorf("error getting memory usage: %w", err)
	}
	return []Line{
		{Name: MemTotalMB, Labels: labels, Value: strconv.FormatUint(mem.Total, 10)},
		{Name: MemUsedMB, Labels: labels, Value: strconv.FormatUint(mem.Used, 10)},
		{Name: MemFreeMB, Labels: labels, Value: strconv.FormatUint(mem.Free, 10)},
		{Name: MemUsedPercent, Labels: labels, Value: pct},
	}, nil
}

func (a *Aggregator) labels(extra ...Label) []Label {
	if a.opts.Host == "" {
		return extra
	}
	return append([]Label{{"host", a.opts.Host}}, extra...)
}

// decimal matches plain decimal rates such as "12", "0.25" or ".5". NaN, Inf,
// exponents and hex floats are treated as sentinels like "n/a".
var decimal = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

func numeric(v string) bool {
	return decimal.MatchString(v)
}
