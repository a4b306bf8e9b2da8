package metrics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/common/model"
)

// ErrInvalidName is returned by Format for a metric or label name the text
// exposition cannot carry.
var ErrInvalidName = errors.New("metrics: invalid name")

// Metric names. Disk metrics carry mount and device labels, network metrics
// carry a device label, the rest are bare.
const (
	DiskBytesUsed   = "disk_bytes_used"
	DiskBytesAvail  = "disk_bytes_avail"
	DiskUsedPercent = "disk_used_percent"

	CPULoad1  = "cpu_load_1min"
	CPULoad5  = "cpu_load_5min"
	CPULoad15 = "cpu_load_15min"

	MemTotalMB     = "mem_total_mb"
	MemUsedMB      = "mem_used_mb"
	MemFreeMB      = "mem_free_mb"
	MemUsedPercent = "mem_used_percent"

	NetKBIn  = "net_KB_in"
	NetKBOut = "net_KB_out"
)

type Label struct {
	Name  string
	Value string
}

// Line is one sample in the text exposition. Value is written verbatim.
type Line struct {
	Name   string
	Labels []Label
	Value  string
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func (l Line) appendTo(buf *bytes.Buffer) {
	buf.WriteString(l.Name)
	if len(l.Labels) > 0 {
		buf.WriteByte('{')
		for i, lb := range l.Labels {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(lb.Name)
			buf.WriteString(`="`)
			labelEscaper.WriteString(buf, lb.Value)
			buf.WriteByte('"')
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(' ')
	buf.WriteString(l.Value)
}

func (l Line) String() string {
	var buf bytes.Buffer
	l.appendTo(&buf)
	return buf.String()
}

func (l Line) validate() error {
	if !model.IsValidMetricName(model.LabelValue(l.Name)) {
		return fmt.Errorf("%w: metric %q", ErrInvalidName, l.Name)
	}
	for _, lb := range l.Labels {
		if !model.LabelName(lb.Name).IsValid() {
			return fmt.Errorf("%w: label %q on %s", ErrInvalidName, lb.Name, l.Name)
		}
	}
	return nil
}

// Format renders lines in order, each terminated by a newline. Values are
// not parsed, so "0.10" and "40G" survive as given.
func Format(lines []Line) ([]byte, error) {
	var buf bytes.Buffer
	for _, l := range lines {
		if err := l.validate(); err != nil {
			return nil, err
		}
		l.appendTo(&buf)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
