package netstat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/jeffypooo/hoststat/internal/config"
	"github.com/jeffypooo/hoststat/internal/telemetry"
)

var ErrNoDevices = errors.New("netstat: feed header lists no devices")

// Available reports whether the executable named by the first word of
// commandLine can be found in PATH.
func Available(commandLine string) bool {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return false
	}
	_, err := exec.LookPath(fields[0])
	return err == nil
}

// Sampler reads an ifstat-style feed and keeps Table in step with it.
//
// The feed starts with a line of device names and a line of column names,
// followed by data lines carrying an in/out pair per device. A data line
// with the wrong number of values is skipped; after ClearAfter consecutive
// bad lines the table is cleared so scrapes stop reporting stale numbers.
type Sampler struct {
	table  *Table
	logger *log.Logger
	tel    *telemetry.Metrics

	Command    string
	ClearAfter int
	RetryPause time.Duration

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewSampler(table *Table, cfg config.NetworkConfig, logger *log.Logger, tel *telemetry.Metrics) *Sampler {
	return &Sampler{
		table:       table,
		logger:      logger,
		tel:         tel,
		Command:     cfg.Command,
		ClearAfter:  cfg.ClearAfter,
		RetryPause:  cfg.RetryPause,
		execCommand: exec.CommandContext,
	}
}

// Run starts the feed process and consumes it until it exits or ctx ends.
// The table keeps its last contents once the feed is gone.
func (s *Sampler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := s.execCommand(ctx, "sh", "-c", s.Command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("netstat: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("netstat: start %q: %w", s.Command, err)
	}
	s.logger.Infof("network feed started: %s (pid %d)", s.Command, cmd.Process.Pid)

	consumeErr := s.Consume(ctx, stdout)
	stopped := ctx.Err() != nil
	cancel()
	waitErr := cmd.Wait()

	if consumeErr != nil {
		return consumeErr
	}
	if stopped {
		return nil
	}
	if waitErr != nil {
		s.logger.Warnf("network feed exited: %v", waitErr)
	}
	s.logger.Warnf("network feed ended, keeping last %d device(s)", s.table.Len())
	return nil
}

// maxLineBytes bounds a single feed line; longer lines are discarded.
const maxLineBytes = 64 * 1024

// errLineTooLong marks a feed line that exceeded maxLineBytes.
var errLineTooLong = errors.New("netstat: feed line too long")

// Consume parses a feed from r. It returns nil at end of stream or when ctx
// is cancelled, and an error only if the header is unusable.
func (s *Sampler) Consume(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, maxLineBytes)

	header, err := readLine(br)
	if err != nil {
		return fmt.Errorf("netstat: reading device header: %w", err)
	}
	devices := strings.Fields(header)
	if len(devices) == 0 {
		return ErrNoDevices
	}
	// Column names ("KB/s in  KB/s out") carry nothing we need.
	if _, err := readLine(br); err != nil && !errors.Is(err, errLineTooLong) {
		return fmt.Errorf("netstat: reading column header: %w", err)
	}
	s.logger.Debugf("network feed devices: %v", devices)

	bad := 0
	for {
		line, err := readLine(br)
		if err != nil && !errors.Is(err, errLineTooLong) {
			if err != io.EOF && ctx.Err() == nil {
				s.logger.Errorf("network feed read: %v", err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		values := strings.Fields(line)
		if err != nil || len(values) != 2*len(devices) {
			bad++
			s.tel.FeedLine(telemetry.LineMalformed)
			if err != nil {
				s.logger.Warnf("network feed: line longer than %d bytes skipped", maxLineBytes)
			} else {
				s.logger.Warnf("network feed: expected %d values, got %d", 2*len(devices), len(values))
			}
			if s.ClearAfter > 0 && bad == s.ClearAfter {
				s.logger.Errorf("network feed: %d malformed lines in a row, clearing measurements", bad)
				s.clear()
			}
			if !s.pause(ctx) {
				return nil
			}
			continue
		}
		bad = 0
		s.tel.FeedLine(telemetry.LineOK)
		s.apply(devices, values)
	}
}

// readLine returns the next line without its terminator. A line that does
// not fit the reader's buffer is drained and reported as errLineTooLong. A
// final line without a newline is returned as is; io.EOF follows it.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadSlice('\n')
	switch {
	case err == nil:
		return strings.TrimRight(string(line), "\r\n"), nil
	case errors.Is(err, bufio.ErrBufferFull):
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = br.ReadSlice('\n')
		}
		if err != nil && err != io.EOF {
			return "", err
		}
		return "", errLineTooLong
	case err == io.EOF && len(line) > 0:
		return string(line), nil
	}
	return "", err
}

func (s *Sampler) apply(devices, values []string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("failed to get network stats: %v", r)
			s.clear()
		}
	}()

	entries := make([]Entry, len(devices))
	for i, d := range devices {
		entries[i] = Entry{Device: d, In: values[2*i], Out: values[2*i+1]}
	}
	s.table.Replace(entries)
	s.tel.SetTableDevices(len(entries))
}

func (s *Sampler) clear() {
	s.table.Clear()
	s.tel.TableCleared()
}

// pause waits RetryPause and reports false if ctx ended first.
func (s *Sampler) pause(ctx context.Context) bool {
	if s.RetryPause <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.RetryPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
