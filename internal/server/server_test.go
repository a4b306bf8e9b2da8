package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jeffypooo/hoststat/internal/config"
	"github.com/jeffypooo/hoststat/internal/metrics"
	"github.com/jeffypooo/hoststat/internal/netstat"
	"github.com/jeffypooo/hoststat/internal/runner"
	"github.com/jeffypooo/hoststat/internal/telemetry"
)

type renderFunc func(ctx context.Context) ([]byte, error)

func (f renderFunc) Render(ctx context.Context) ([]byte, error) { return f(ctx) }

func testLogger() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

func staticRenderer(body string) Renderer {
	return renderFunc(func(context.Context) ([]byte, error) {
		return []byte(body), nil
	})
}

func TestScrape(t *testing.T) {
	s := New(config.Default(), staticRenderer("cpu_load_1min 0.10\n"), nil, testLogger())

	for _, path := range []string{"/", "/metrics", "/anything/else"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q", ct)
			}
			if cl := rec.Header().Get("Content-Length"); cl != "19" {
				t.Errorf("Content-Length = %q, want 19", cl)
			}
			if rec.Body.String() != "cpu_load_1min 0.10\n" {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestScrapeRenderFailure(t *testing.T) {
	tel := telemetry.New()
	failing := renderFunc(func(context.Context) ([]byte, error) {
		return nil, metrics.ErrMalformedLoad
	})
	s := New(config.Default(), failing, tel, testLogger())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "cpu_load") {
		t.Errorf("failed scrape leaked a partial body: %q", rec.Body.String())
	}
	if n := testutil.ToFloat64(tel.ScrapesTotal.WithLabelValues("500")); n != 1 {
		t.Errorf("500 scrapes = %v, want 1", n)
	}
}

func TestScrapeRejectsOtherMethods(t *testing.T) {
	s := New(config.Default(), staticRenderer("x 1\n"), nil, testLogger())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestSelfMetricsRoute(t *testing.T) {
	cfg := config.Default()
	cfg.SelfMetrics.Enabled = true
	tel := telemetry.New()
	s := New(cfg, staticRenderer("x 1\n"), tel, testLogger())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cfg.SelfMetrics.Path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `hoststat_scrapes_total{code="200"} 1`) {
		t.Errorf("self metrics missing scrape count:\n%s", rec.Body.String())
	}
}

func TestSelfMetricsDisabledFallsThroughToScrape(t *testing.T) {
	s := New(config.Default(), staticRenderer("x 1\n"), telemetry.New(), testLogger())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if rec.Body.String() != "x 1\n" {
		t.Errorf("body = %q, want scrape document", rec.Body.String())
	}
}

// TestConcurrentScrapes drives the real aggregator with a slow fake runner
// so many requests overlap, while a writer keeps replacing the table.
func TestConcurrentScrapes(t *testing.T) {
	slow := runner.Func(func(ctx context.Context, line string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		switch line {
		case "df -P":
			var b strings.Builder
			b.WriteString("Filesystem Size Used Avail Use% Mounted on\n")
			for i := 0; i < 200; i++ {
				fmt.Fprintf(&b, "/dev/sd%d 100G 40G 60G 40%% /mnt/%d\n", i, i)
			}
			return b.String(), nil
		case "cat /proc/loadavg":
			return "0.10 0.20 0.30 1/200 1234\n", nil
		}
		return "", nil
	})
	table := netstat.NewTable()
	table.Replace([]netstat.Entry{{Device: "eth0", In: "0", Out: "0"}, {Device: "lo", In: "0", Out: "0"}})
	agg := metrics.NewAggregator(slow, table, metrics.OptionsFromConfig(config.Default()))
	srv := httptest.NewServer(New(config.Default(), agg, nil, testLogger()).Handler())
	defer srv.Close()

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for gen := 0; ; gen++ {
			select {
			case <-stop:
				return
			default:
			}
			v := strconv.Itoa(gen)
			table.Replace([]netstat.Entry{{Device: "eth0", In: v, Out: v}, {Device: "lo", In: v, Out: v}})
		}
	}()

	const clients = 20
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(srv.URL + "/")
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				errs <- err
				return
			}
			errs <- checkDocument(string(body))
		}()
	}
	wg.Wait()
	close(stop)
	<-writerDone
	close(errs)

	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

// checkDocument verifies a scrape body is whole and self-consistent.
func checkDocument(body string) error {
	lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
	if len(lines) != 600+3+4 {
		return fmt.Errorf("got %d lines, want 607", len(lines))
	}
	for i := 0; i < 200; i++ {
		want := fmt.Sprintf(`disk_bytes_used{mount="/mnt/%d",device="/dev/sd%d"} 40G`, i, i)
		if lines[3*i] != want {
			return fmt.Errorf("line %d = %q, want %q", 3*i, lines[3*i], want)
		}
	}
	if lines[600] != "cpu_load_1min 0.10" {
		return fmt.Errorf("load line = %q", lines[600])
	}
	gen := lines[603][strings.LastIndex(lines[603], " ")+1:]
	for _, l := range lines[603:] {
		if !strings.HasSuffix(l, " "+gen) {
			return fmt.Errorf("network lines from mixed table generations: %q vs %s", l, gen)
		}
	}
	return nil
}

func TestServeAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Bind = "127.0.0.1"
	s := New(cfg, staticRenderer("x 1\n"), nil, testLogger())

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "x 1\n" {
		t.Errorf("body = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil after shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

// TestShutdownDeadlineStillExitsCleanly holds a scrape open past the drain
// window; Serve must close it and report a clean stop.
func TestShutdownDeadlineStillExitsCleanly(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{}, 1)
	stuck := renderFunc(func(context.Context) ([]byte, error) {
		entered <- struct{}{}
		<-release
		return []byte("x 1\n"), nil
	})
	s := New(config.Default(), stuck, nil, testLogger())
	s.ShutdownTimeout = 50 * time.Millisecond

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err == nil {
			resp.Body.Close()
		}
	}()
	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("scrape never reached the renderer")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil when the drain window expires", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after the drain window")
	}
}

func TestListenUsesConfiguredPort(t *testing.T) {
	free, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := free.Addr().(*net.TCPAddr).Port
	free.Close()

	cfg := config.Default()
	cfg.Bind = "127.0.0.1"
	cfg.Port = port
	ln, err := New(cfg, staticRenderer(""), nil, testLogger()).Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	if got := ln.Addr().(*net.TCPAddr).Port; got != port {
		t.Errorf("port = %d, want %d", got, port)
	}
}

func TestListenBadAddress(t *testing.T) {
	cfg := config.Default()
	cfg.Bind = "256.0.0.1.invalid."
	_, err := New(cfg, staticRenderer(""), nil, testLogger()).Listen(context.Background())
	var dnsErr *net.DNSError
	if err == nil || (!errors.As(err, &dnsErr) && !strings.Contains(err.Error(), "bind address")) {
		t.Errorf("err = %v, want resolution failure", err)
	}
}
