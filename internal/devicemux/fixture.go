package devicemux

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/telemetrix/internal/fsutil"
	"github.com/banshee-data/telemetrix/internal/timeutil"
)

// FixturePort replays recorded frames as if a device were streaming them.
// Like the firmware, it only streams between a START and a STOP command.
type FixturePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu        sync.Mutex
	streaming bool
	written   bytes.Buffer

	done      chan struct{}
	closeOnce sync.Once
}

// NewFixturePort starts replaying lines, one every interval, looping at the
// end of the slice.
func NewFixturePort(lines []string, interval time.Duration, clock timeutil.Clock) *FixturePort {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r, w := io.Pipe()
	p := &FixturePort{r: r, w: w, done: make(chan struct{})}
	go p.replay(lines, interval, clock)
	return p
}

func (p *FixturePort) replay(lines []string, interval time.Duration, clock timeutil.Clock) {
	if len(lines) == 0 {
		return
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	next := 0
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C():
			if !p.Streaming() {
				continue
			}
			if _, err := io.WriteString(p.w, lines[next%len(lines)]+"\n"); err != nil {
				return
			}
			next++
		}
	}
}

// Streaming reports whether the port is between START and STOP.
func (p *FixturePort) Streaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}

func (p *FixturePort) Read(b []byte) (int, error) { return p.r.Read(b) }

// Write records a command and reacts to START and STOP.
func (p *FixturePort) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written.Write(b)
	switch {
	case bytes.Contains(b, []byte(`"START"`)):
		p.streaming = true
	case bytes.Contains(b, []byte(`"STOP"`)):
		p.streaming = false
	}
	return len(b), nil
}

// Written returns every command written so far.
func (p *FixturePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Close stops the replay and unblocks readers.
func (p *FixturePort) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.w.Close()
	})
	return nil
}

// LoadFixture reads a newline-delimited frame file, skipping blank lines and
// lines starting with '#'.
func LoadFixture(fsys fsutil.FileSystem, path string) ([]string, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var lines []string
	scan := bufio.NewScanner(bytes.NewReader(data))
	scan.Buffer(make([]byte, 0, 4096), 1<<20)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("scan fixture: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("fixture %s has no frames", path)
	}
	return lines, nil
}

// FixtureOpener replays the fixture at path on every connect.
func FixtureOpener(fsys fsutil.FileSystem, path string, interval time.Duration, clock timeutil.Clock) Opener {
	return func(context.Context) (Port, error) {
		lines, err := LoadFixture(fsys, path)
		if err != nil {
			return nil, err
		}
		return NewFixturePort(lines, interval, clock), nil
	}
}
