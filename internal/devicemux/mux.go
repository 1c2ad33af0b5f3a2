// Package devicemux multiplexes the line stream of a single telemetry device
// to any number of subscribers and carries control commands back to it. The
// underlying port may come and go; Run reattaches it after a loss.
package devicemux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/telemetrix/internal/monitoring"
	"github.com/banshee-data/telemetrix/internal/timeutil"
)

var (
	ErrWriteFailed  = errors.New("short write to device")
	ErrNotConnected = errors.New("device not connected")
)

// subscriberBuffer is the per-subscriber queue length. A subscriber that
// falls this far behind starts losing lines.
const subscriberBuffer = 256

// Port is a connected device link that carries newline-delimited messages.
type Port interface {
	io.ReadWriteCloser
}

// Opener connects to the device.
type Opener func(ctx context.Context) (Port, error)

// Mux fans lines from the attached port out to subscribers.
type Mux struct {
	clock timeutil.Clock

	portMu sync.Mutex
	port   Port

	commandMu sync.Mutex

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	closing      bool
}

// New returns a Mux with no port attached.
func New(clock timeutil.Clock) *Mux {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Mux{
		clock:       clock,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new line channel. The returned id is passed to
// Unsubscribe.
func (m *Mux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.closing {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and forgets the channel registered under id.
func (m *Mux) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Attach makes p the current port, closing any previous one.
func (m *Mux) Attach(p Port) {
	m.portMu.Lock()
	old := m.port
	m.port = p
	m.portMu.Unlock()
	if old != nil && old != p {
		old.Close()
	}
}

func (m *Mux) detach(p Port) {
	m.portMu.Lock()
	if m.port == p {
		m.port = nil
	}
	m.portMu.Unlock()
	p.Close()
}

func (m *Mux) current() Port {
	m.portMu.Lock()
	defer m.portMu.Unlock()
	return m.port
}

// Connected reports whether a port is attached.
func (m *Mux) Connected() bool {
	return m.current() != nil
}

// SendCommand writes one command line to the device.
func (m *Mux) SendCommand(command string) error {
	port := m.current()
	if port == nil {
		return ErrNotConnected
	}
	m.commandMu.Lock()
	defer m.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the attached port until it fails, reaches EOF or
// ctx is done. The port is detached and closed on return.
func (m *Mux) Monitor(ctx context.Context) error {
	port := m.current()
	if port == nil {
		return ErrNotConnected
	}
	defer m.detach(port)

	scan := bufio.NewScanner(port)
	scan.Buffer(make([]byte, 0, 4096), 1<<20)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so cancellation is not
	// held up by a quiet device.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			if !m.broadcast(line) {
				return nil
			}
		}
	}
}

// broadcast delivers line to every subscriber without blocking. It returns
// false once the mux is closing.
func (m *Mux) broadcast(line string) bool {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.closing {
		return false
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- line:
		default:
			monitoring.Debugf("subscriber queue full, dropping line")
		}
	}
	return true
}

// Run keeps a port attached: it opens one, monitors it, calls onLost when it
// drops and retries every interval until ctx is done.
func (m *Mux) Run(ctx context.Context, open Opener, interval time.Duration, onLost func()) error {
	for {
		port, err := open(ctx)
		if err != nil {
			monitoring.Logf("device connect failed: %v", err)
		} else {
			monitoring.Logf("device connected")
			m.Attach(port)
			err := m.Monitor(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if m.isClosing() {
				return nil
			}
			monitoring.Logf("device connection lost: %v", err)
			if onLost != nil {
				onLost()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(interval):
		}
	}
}

func (m *Mux) isClosing() bool {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	return m.closing
}

// Close detaches the port and closes every subscriber channel.
func (m *Mux) Close() error {
	m.subscriberMu.Lock()
	m.closing = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.subscriberMu.Unlock()

	m.portMu.Lock()
	port := m.port
	m.port = nil
	m.portMu.Unlock()
	if port != nil {
		return port.Close()
	}
	return nil
}
