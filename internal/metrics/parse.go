package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedDisk   = errors.New("malformed disk usage row")
	ErrMalformedLoad   = errors.New("malformed load average")
	ErrMalformedMemory = errors.New("malformed memory usage")
	ErrZeroMemoryTotal = errors.New("memory total is zero")
)

// DiskRow is one filesystem from a POSIX df listing.
type DiskRow struct {
	Device     string
	Size       string
	Used       string
	Available  string
	UsePercent string
	Mount      string
}

// ParseDisk parses df output. The header line and any line containing one
// of the exclude substrings are dropped; every other non-blank line must
// have exactly six fields.
func ParseDisk(out string, exclude []string) ([]DiskRow, error) {
	lines := strings.Split(out, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}

	var rows []DiskRow
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || excluded(line, exclude) {
			continue
		}
		f := strings.Fields(line)
		if len(f) != 6 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedDisk, line)
		}
		rows = append(rows, DiskRow{
			Device:     f[0],
			Size:       f[1],
			Used:       f[2],
			Available:  f[3],
			UsePercent: strings.TrimSuffix(f[4], "%"),
			Mount:      f[5],
		})
	}
	return rows, nil
}

func excluded(line string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(line, p) {
			return true
		}
	}
	return false
}

// LoadAvg holds the 1, 5 and 15 minute load averages as printed.
type LoadAvg struct {
	Load1  string
	Load5  string
	Load15 string
}

// ParseLoad reads the three leading fields of /proc/loadavg.
func ParseLoad(out string) (LoadAvg, error) {
	f := strings.Fields(out)
	if len(f) < 3 {
		return LoadAvg{}, fmt.Errorf("%w: %q", ErrMalformedLoad, out)
	}
	for _, v := range f[:3] {
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return LoadAvg{}, fmt.Errorf("%w: %q is not a number", ErrMalformedLoad, v)
		}
	}
	return LoadAvg{Load1: f[0], Load5: f[1], Load15: f[2]}, nil
}

// Memory is the "Mem:" row of free -m, in megabytes.
type Memory struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// ParseMemory reads the first data row following the header of free -m.
func ParseMemory(out string) (Memory, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return Memory{}, fmt.Errorf("%w: no data row", ErrMalformedMemory)
	}
	f := strings.Fields(lines[1])
	if len(f) > 0 && strings.HasSuffix(f[0], ":") {
		f = f[1:]
	}
	if len(f) < 3 {
		return Memory{}, fmt.Errorf("%w: %q", ErrMalformedMemory, lines[1])
	}

	var vals [3]uint64
	for i := range vals {
		v, err := strconv.ParseUint(f[i], 10, 64)
		if err != nil {
			return Memory{}, fmt.Errorf("%w: %q is not a number", ErrMalformedMemory, f[i])
		}
		vals[i] = v
	}
	return Memory{Total: vals[0], Used: vals[1], Free: vals[2]}, nil
}

// UsedPercent renders Used*100/Total with three decimals.
func (m Memory) UsedPercent() (string, error) {
	if m.Total == 0 {
		return "", ErrZeroMemoryTotal
	}
	pct := float64(m.Used) * 100 / float64(m.Total)
	return strconv.FormatFloat(pct, 'f', 3, 64), nil
}
