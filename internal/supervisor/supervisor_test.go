package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"frontdoor-go/internal/config"
	"frontdoor-go/internal/metrics"
)

// TestHelperProcess is not a real test. It is re-executed by the tests below
// as a stand-in backend, selected by HELPER_MODE.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "exit":
		fmt.Fprintln(os.Stderr, "fatal: cannot bind")
		os.Exit(3)
	case "sleep":
		fmt.Println("booting slowly")
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		mux := http.NewServeMux()
		mux.HandleFunc("/env", func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, os.Getenv(r.URL.Query().Get("key")))
		})
		mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "ready")
		})
		fmt.Println("listening")
		_ = http.ListenAndServe("127.0.0.1:"+os.Getenv("PORT"), mux)
		os.Exit(0)
	}
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

// helperConfig returns a config that launches this test binary as the backend.
func helperConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	port := freePort(t)
	return &config.Config{
		Backend: config.BackendConfig{
			Command:    shellquote.Join(os.Args[0], "-test.run=^TestHelperProcess$"),
			WorkingDir: t.TempDir(),
			Env: map[string]string{
				"GO_WANT_HELPER_PROCESS": "1",
				"HELPER_MODE":            mode,
				"PORT":                   strconv.Itoa(port),
				"NODE_ENV":               "production",
			},
			Readiness: config.ReadinessConfig{
				Mode:           config.ReadinessHTTP,
				Path:           "/",
				IntervalMS:     20,
				TimeoutSeconds: 10,
			},
		},
		Upstream: config.UpstreamConfig{
			BaseURL: "http://127.0.0.1:" + strconv.Itoa(port),
		},
	}
}

func newTestSupervisor(cfg *config.Config, m *metrics.Metrics) *Supervisor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, logger, m)
}

func stopOnCleanup(t *testing.T, s *Supervisor) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestStart_BecomesReady(t *testing.T) {
	g := NewWithT(t)

	t.Setenv("FRONTDOOR_INHERITED", "from-host")
	t.Setenv("NODE_ENV", "development")

	cfg := helperConfig(t, "serve")
	m := metrics.New()
	s := newTestSupervisor(cfg, m)
	stopOnCleanup(t, s)

	proc, err := s.Start(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(proc).NotTo(BeNil())
	g.Expect(proc.PID()).To(BeNumerically(">", 0))
	g.Expect(proc.State()).To(Equal("running"))
	g.Expect(s.Process()).To(BeIdenticalTo(proc))
	g.Expect(s.Ready()).To(BeClosed())
	g.Expect(s.Err()).NotTo(HaveOccurred())
	g.Expect(s.Status()).To(Equal(Status{State: StateReady, PID: proc.PID()}))

	g.Expect(testutil.ToFloat64(m.BackendUp)).To(Equal(1.0))
	g.Expect(testutil.ToFloat64(m.BackendLaunches.WithLabelValues("ready"))).To(Equal(1.0))

	// Inherited environment is passed through; overrides win.
	base := cfg.Upstream.BaseURL
	g.Expect(get(t, base+"/env?key=FRONTDOOR_INHERITED")).To(Equal("from-host"))
	g.Expect(get(t, base+"/env?key=NODE_ENV")).To(Equal("production"))
}

func TestStop_TerminatesBackend(t *testing.T) {
	g := NewWithT(t)

	m := metrics.New()
	s := newTestSupervisor(helperConfig(t, "serve"), m)

	proc, err := s.Start(context.Background())
	g.Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.Expect(s.Stop(ctx)).To(Succeed())

	g.Expect(proc.Done()).To(BeClosed())
	g.Expect(proc.Running()).To(BeFalse())
	g.Eventually(func() string { return s.Status().State }).
		WithTimeout(2 * time.Second).
		Should(Equal(StateExited))
	g.Eventually(func() float64 { return testutil.ToFloat64(m.BackendUp) }).
		WithTimeout(2 * time.Second).
		Should(Equal(0.0))

	// Stopping twice is harmless.
	g.Expect(s.Stop(ctx)).To(Succeed())
}

func TestStop_BeforeStart(t *testing.T) {
	s := newTestSupervisor(helperConfig(t, "serve"), nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() before Start error = %v", err)
	}
	if got := s.Status().State; got != StateIdle {
		t.Errorf("state = %q, want %q", got, StateIdle)
	}
}

func TestStart_SpawnFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"missing executable", func(cfg *config.Config) {
			cfg.Backend.Command = "/nonexistent/frontdoor-backend"
		}},
		{"bad working directory", func(cfg *config.Config) {
			cfg.Backend.WorkingDir = "/nonexistent/frontdoor-workdir"
		}},
		{"empty command", func(cfg *config.Config) {
			cfg.Backend.Command = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)

			cfg := helperConfig(t, "serve")
			tt.mutate(cfg)
			m := metrics.New()
			s := newTestSupervisor(cfg, m)
			stopOnCleanup(t, s)

			proc, err := s.Start(context.Background())
			g.Expect(proc).To(BeNil())

			var le *LaunchError
			g.Expect(errors.As(err, &le)).To(BeTrue(), "err = %v", err)
			g.Expect(le.Op).To(Equal(OpSpawn))

			g.Expect(s.Ready()).To(BeClosed())
			g.Expect(s.Err()).To(MatchError(err))
			g.Expect(s.Status().State).To(Equal(StateFailed))
			g.Expect(s.Status().Error).NotTo(BeEmpty())
			g.Expect(testutil.ToFloat64(m.BackendLaunches.WithLabelValues("failed"))).To(Equal(1.0))
		})
	}
}

func TestStart_ExitDuringReadiness(t *testing.T) {
	g := NewWithT(t)

	s := newTestSupervisor(helperConfig(t, "exit"), nil)
	stopOnCleanup(t, s)

	proc, err := s.Start(context.Background())
	g.Expect(proc).To(BeNil())

	var le *LaunchError
	g.Expect(errors.As(err, &le)).To(BeTrue(), "err = %v", err)
	g.Expect(le.Op).To(Equal(OpExit))

	var exitErr *exec.ExitError
	g.Expect(errors.As(err, &exitErr)).To(BeTrue())
	g.Expect(exitErr.ExitCode()).To(Equal(3))
	g.Expect(s.Status().State).To(Equal(StateFailed))
}

func TestStart_ReadinessTimeout(t *testing.T) {
	g := NewWithT(t)

	cfg := helperConfig(t, "sleep")
	cfg.Backend.Readiness.TimeoutSeconds = 1
	m := metrics.New()
	s := newTestSupervisor(cfg, m)
	stopOnCleanup(t, s)

	proc, err := s.Start(context.Background())
	g.Expect(err).To(MatchError(ErrNotReady))
	g.Expect(proc).NotTo(BeNil())
	g.Expect(proc.Running()).To(BeTrue())
	g.Expect(s.Err()).NotTo(HaveOccurred())
	g.Expect(s.Ready()).To(BeClosed())
	g.Expect(s.Status().State).To(Equal(StateUnready))
	g.Expect(testutil.ToFloat64(m.BackendLaunches.WithLabelValues("unready"))).To(Equal(1.0))
}

func TestStart_DelayMode(t *testing.T) {
	g := NewWithT(t)

	cfg := helperConfig(t, "sleep")
	cfg.Backend.Readiness.Mode = config.ReadinessDelay
	cfg.Backend.Readiness.DelaySeconds = 1
	s := newTestSupervisor(cfg, nil)
	stopOnCleanup(t, s)

	start := time.Now()
	proc, err := s.Start(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(proc.Running()).To(BeTrue())
	g.Expect(time.Since(start)).To(BeNumerically(">=", time.Second))
	g.Expect(s.Status().State).To(Equal(StateReady))
}

func TestStart_CanceledContext(t *testing.T) {
	g := NewWithT(t)

	s := newTestSupervisor(helperConfig(t, "sleep"), nil)
	stopOnCleanup(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	proc, err := s.Start(ctx)
	g.Expect(err).To(MatchError(context.DeadlineExceeded))
	g.Expect(proc).NotTo(BeNil())
	g.Expect(s.Ready()).To(BeClosed())
}

func TestStart_AtMostOnce(t *testing.T) {
	g := NewWithT(t)

	cfg := helperConfig(t, "serve")
	cfg.Backend.Command = "/nonexistent/frontdoor-backend"
	s := newTestSupervisor(cfg, nil)

	_, err := s.Start(context.Background())
	g.Expect(err).To(HaveOccurred())

	_, err = s.Start(context.Background())
	g.Expect(err).To(MatchError(ErrAlreadyStarted))
}

func TestMergeEnv(t *testing.T) {
	g := NewWithT(t)

	base := []string{"HOME=/home/app", "NODE_ENV=development", "PATH=/usr/bin", "PORT=8080"}
	got := mergeEnv(base, map[string]string{"PORT": "3000", "NODE_ENV": "production"})

	g.Expect(got).To(Equal([]string{
		"HOME=/home/app",
		"PATH=/usr/bin",
		"NODE_ENV=production",
		"PORT=3000",
	}))
}

func TestLogWriter_SplitsLines(t *testing.T) {
	g := NewWithT(t)

	var lines []string
	logger := slog.New(recordHandler{lines: &lines})
	w := newLogWriter(logger, "stdout")

	_, _ = w.Write([]byte("first\r\nsec"))
	_, _ = w.Write([]byte("ond\n\nthi"))
	g.Expect(lines).To(Equal([]string{"first", "second"}))

	w.Flush()
	g.Expect(lines).To(Equal([]string{"first", "second", "thi"}))
}

// recordHandler collects the "line" attribute of every record.
type recordHandler struct {
	lines *[]string
}

func (h recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h recordHandler) Handle(_ context.Context, r slog.Record) error {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "line" {
			*h.lines = append(*h.lines, a.Value.String())
		}
		return true
	})
	return nil
}

func (h recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h recordHandler) WithGroup(string) slog.Handler { return h }
