package fetch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/logger"
)

// aria2c exit codes that indicate network trouble rather than gating
const (
	aria2ExitTimeout        = 2
	aria2ExitNetwork        = 6
	aria2ExitNameResolution = 19
)

var (
	aria2ReadoutRe = regexp.MustCompile(`\[#[0-9a-fA-F]+\s+([\d.]+[KMGT]?i?B)(?:/([\d.]+[KMGT]?i?B))?(?:\((\d+)%\))?([^\]]*)\]`)
	aria2SizeRe    = regexp.MustCompile(`SIZE:([\d.]+[KMGT]?i?B)/([\d.]+[KMGT]?i?B)(?:\((\d+)%\))?`)
	aria2ConnRe    = regexp.MustCompile(`CN:(\d+)`)
	aria2SpeedRe   = regexp.MustCompile(`(?:DL|SPD):([\d.]+[KMGT]?i?B)`)
	aria2EtaRe     = regexp.MustCompile(`ETA:((?:\d+h)?(?:\d+m)?(?:\d+s)?)`)
	aria2StatusRe  = regexp.MustCompile(`status=(\d{3})`)
	aria2RedirRe   = regexp.MustCompile(`Redirecting to (\S+)`)
)

// Aria2Parser reads aria2c console readouts and log lines
type Aria2Parser struct{}

func (Aria2Parser) Parse(line string) (Event, bool) {
	var ev Event
	found := false

	if m := aria2ReadoutRe.FindStringSubmatch(line); m != nil {
		ev.BytesDone = parseSize(m[1])
		ev.BytesTotal = parseSize(m[2])
		ev.Percent = parsePercent(m[3])
		found = true
	} else if m := aria2SizeRe.FindStringSubmatch(line); m != nil {
		ev.BytesDone = parseSize(m[1])
		ev.BytesTotal = parseSize(m[2])
		ev.Percent = parsePercent(m[3])
		found = true
	}

	if found {
		if m := aria2ConnRe.FindStringSubmatch(line); m != nil {
			ev.Connections, _ = strconv.Atoi(m[1])
		}
		if m := aria2SpeedRe.FindStringSubmatch(line); m != nil {
			ev.Speed = parseSize(m[1])
		}
		if m := aria2EtaRe.FindStringSubmatch(line); m != nil && m[1] != "" {
			if d, err := time.ParseDuration(m[1]); err == nil {
				ev.ETA = int64(d.Seconds())
			}
		}
	}

	if m := aria2StatusRe.FindStringSubmatch(line); m != nil {
		ev.HTTPStatus, _ = strconv.Atoi(m[1])
		found = true
	}
	if m := aria2RedirRe.FindStringSubmatch(line); m != nil {
		ev.RedirectTarget = strings.TrimRight(m[1], ".,")
		found = true
	}

	return ev, found
}

func parseSize(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0
	}
	return int64(n)
}

func parsePercent(s string) float64 {
	if s == "" {
		return 0
	}
	p, _ := strconv.ParseFloat(s, 64)
	return p
}

// Aria2Config holds aria2c tuning
type Aria2Config struct {
	Path           string
	Segments       int
	MinSplit       string
	MaxTries       int
	RetryWait      int
	Timeout        int
	ConnectTimeout int
}

// SegmentedFetcher runs aria2c for multi-connection retrieval
type SegmentedFetcher struct {
	cfg    Aria2Config
	parser Parser
	log    *logger.Logger
}

func NewSegmentedFetcher(cfg Aria2Config) *SegmentedFetcher {
	if cfg.Path == "" {
		cfg.Path = "aria2c"
	}
	if cfg.Segments <= 0 {
		cfg.Segments = 16
	}
	if cfg.MinSplit == "" {
		cfg.MinSplit = "1M"
	}
	return &SegmentedFetcher{
		cfg:    cfg,
		parser: Aria2Parser{},
		log:    logger.Default().WithComponent("aria2"),
	}
}

// WithParser swaps the output parser
func (f *SegmentedFetcher) WithParser(p Parser) *SegmentedFetcher {
	f.parser = p
	return f
}

// Args builds the aria2c command line for req
func (f *SegmentedFetcher) Args(req Request) []string {
	segments := strconv.Itoa(f.cfg.Segments)
	args := []string{
		"--dir=" + req.Dir,
		"--out=" + req.Filename,
		"--split=" + segments,
		"--max-connection-per-server=" + segments,
		"--min-split-size=" + f.cfg.MinSplit,
		"--file-allocation=none",
		"--summary-interval=1",
		"--continue=true",
		"--allow-overwrite=true",
		"--auto-file-renaming=false",
		"--enable-color=false",
		"--log=-",
		"--log-level=info",
	}
	if f.cfg.MaxTries > 0 {
		args = append(args, "--max-tries="+strconv.Itoa(f.cfg.MaxTries))
	}
	if f.cfg.RetryWait > 0 {
		args = append(args, "--retry-wait="+strconv.Itoa(f.cfg.RetryWait))
	}
	if f.cfg.Timeout > 0 {
		args = append(args, "--timeout="+strconv.Itoa(f.cfg.Timeout))
	}
	if f.cfg.ConnectTimeout > 0 {
		args = append(args, "--connect-timeout="+strconv.Itoa(f.cfg.ConnectTimeout))
	}
	if req.UserAgent != "" {
		args = append(args, "--user-agent="+req.UserAgent)
	}
	if req.Referer != "" {
		args = append(args, "--referer="+req.Referer)
	}
	if cookie := req.CookieHeader(); cookie != "" {
		args = append(args, "--header=Cookie: "+cookie)
	}
	return append(args, req.URL)
}

// Fetch runs aria2c to completion. A gating status on any connection or a
// non-zero exit yields a *FetchError whose Blocked() is true.
func (f *SegmentedFetcher) Fetch(ctx context.Context, req Request, sink Sink) (*Result, error) {
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return nil, apperrors.StorageError("failed to create output directory").WithCause(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, f.cfg.Path, f.Args(req)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &FetchError{Tool: "aria2c", URL: req.URL, Detail: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &FetchError{Tool: "aria2c", URL: req.URL, Detail: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &FetchError{Tool: "aria2c", URL: req.URL, Detail: "failed to start", Err: err}
	}

	var (
		mu        sync.Mutex
		status    int
		finalURL  = req.URL
		tail      = newTail(12)
		oversized int64
	)

	pump := func(r io.Reader) func() error {
		return func() error {
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 64<<10), 1<<20)
			scanner.Split(scanLinesOrCR)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				tail.add(line)

				ev, ok := f.parser.Parse(line)
				if !ok {
					continue
				}

				mu.Lock()
				if ev.HTTPStatus != 0 && (status == 0 || IsBlockedStatus(ev.HTTPStatus)) {
					status = ev.HTTPStatus
				}
				if ev.RedirectTarget != "" {
					finalURL = ev.RedirectTarget
				}
				if req.MaxBytes > 0 && ev.BytesTotal > req.MaxBytes && oversized == 0 {
					oversized = ev.BytesTotal
					cancel()
				}
				mu.Unlock()

				if sink != nil {
					sink(ev)
				}
			}
			return scanner.Err()
		}
	}

	var g errgroup.Group
	g.Go(pump(stdout))
	g.Go(pump(stderr))
	pumpErr := g.Wait()
	waitErr := cmd.Wait()

	mu.Lock()
	defer mu.Unlock()

	if oversized > 0 {
		return nil, apperrors.SizeExceeded(oversized, req.MaxBytes)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("aria2c interrupted: %w", ctx.Err())
	}

	if waitErr != nil {
		fe := &FetchError{Tool: "aria2c", URL: req.URL, Status: status, Detail: tail.last()}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			fe.ExitCode = exitErr.ExitCode()
		} else {
			fe.Err = waitErr
		}
		return nil, fe
	}
	if IsBlockedStatus(status) {
		return nil, &FetchError{Tool: "aria2c", URL: req.URL, Status: status, Detail: "gated connection reported"}
	}
	if pumpErr != nil {
		f.log.Warn(ctx, "aria2c output read failed", map[string]interface{}{"error": pumpErr.Error()})
	}

	path := filepath.Join(req.Dir, req.Filename)
	info, err := os.Stat(path)
	if err != nil {
		return nil, &FetchError{Tool: "aria2c", URL: req.URL, Detail: "output file missing", Err: err}
	}

	return &Result{
		Path:       path,
		Size:       info.Size(),
		FinalURL:   finalURL,
		HTTPStatus: status,
	}, nil
}

// scanLinesOrCR splits on \n or \r; aria2c redraws its readout with bare carriage returns.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last few output lines for error messages
type tail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == t.max {
		t.lines = t.lines[1:]
	}
	t.lines = append(t.lines, line)
}

// last returns the most recent error-looking line, or the last line
func (t *tail) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.lines) - 1; i >= 0; i-- {
		l := t.lines[i]
		if strings.Contains(l, "ERROR") || strings.Contains(l, "errorCode=") || strings.Contains(l, "Exception") {
			return l
		}
	}
	if len(t.lines) == 0 {
		return ""
	}
	return t.lines[len(t.lines)-1]
}
