// Package term multiplexes one PTY-backed chat terminal to any number of
// attached clients. A single reader goroutine owns the master fd: raw bytes
// are appended to the chat log, decoded as UTF-8 across chunk boundaries and
// fanned out to bounded per-listener queues. The input path watches
// keystrokes for submitted prompts.
package term

import (
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/logger"
)

// ListenerQueueSize bounds each attached client's pending output chunks.
// Slow clients lose the oldest chunks first; the reader never blocks.
const ListenerQueueSize = 512

// readBufSize matches the PTY read granularity.
const readBufSize = 4096

// Listener receives decoded terminal output for one attached client.
type Listener struct {
	mu     sync.Mutex
	ch     chan string
	closed bool
}

// C returns the output channel. It is closed when the session ends or the
// listener is detached.
func (l *Listener) C() <-chan string {
	return l.ch
}

// offer enqueues a chunk, dropping the oldest entry when the queue is full.
// The listener mutex makes the drop-then-send pair atomic against concurrent
// offers.
func (l *Listener) offer(chunk string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for {
		select {
		case l.ch <- chunk:
			return
		default:
		}
		select {
		case <-l.ch:
		default:
		}
	}
}

func (l *Listener) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}

// Session multiplexes a single chat PTY.
type Session struct {
	chatID   string
	master   *os.File
	logFile  *os.File
	logger   *logger.Logger
	onPrompt func(prompt string)

	// mu serialises log writes, fan-out and listener registration so an
	// attach never misses or duplicates a chunk relative to the backlog.
	mu        sync.Mutex
	listeners map[*Listener]struct{}
	closed    bool

	decoder decoder
	input   Normalizer

	done chan struct{}
}

// NewSession wraps a started PTY master. logPath receives the raw byte
// stream; onPrompt fires for every submitted prompt detected on the input
// side and may be nil.
func NewSession(chatID string, master *os.File, logPath string, onPrompt func(string), log *logger.Logger) (*Session, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Session{
		chatID:    chatID,
		master:    master,
		logFile:   logFile,
		logger:    log.WithChatID(chatID),
		onPrompt:  onPrompt,
		listeners: make(map[*Listener]struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Run reads the master fd until the child exits or the fd is closed. It is
// the only reader of the fd and must run in its own goroutine.
func (s *Session) Run() {
	defer s.finish()

	buf := make([]byte, readBufSize)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			s.handleChunk(buf[:n])
		}
		if err != nil {
			// EIO is the normal end of a PTY stream on Linux.
			s.logger.Debug("terminal reader finished", zap.Error(err))
			return
		}
	}
}

// Done is closed once the reader has exited and all listeners are drained.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// handleChunk appends raw bytes to the log and fans the decoded text out.
func (s *Session) handleChunk(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.logFile.Write(b); err != nil {
		s.logger.Warn("terminal log write failed", zap.Error(err))
	}

	chunk := s.decoder.decode(b)
	if chunk == "" {
		return
	}
	for l := range s.listeners {
		l.offer(chunk)
	}
}

// Attach registers a listener and returns it together with the full log
// backlog. The two are consistent: every byte is either in the backlog or
// will arrive on the listener, never both.
func (s *Session) Attach() (*Listener, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, "", os.ErrClosed
	}

	backlog, err := os.ReadFile(s.logFile.Name())
	if err != nil && !os.IsNotExist(err) {
		return nil, "", err
	}

	l := &Listener{ch: make(chan string, ListenerQueueSize)}
	s.listeners[l] = struct{}{}
	return l, strings.ToValidUTF8(string(backlog), string(utf8.RuneError)), nil
}

// Detach removes and closes a listener.
func (s *Session) Detach(l *Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
	l.close()
}

// Write sends input bytes to the PTY and scans them for submitted prompts.
func (s *Session) Write(data []byte) error {
	if _, err := s.master.Write(data); err != nil {
		return err
	}
	if s.onPrompt != nil {
		for _, prompt := range s.input.Feed(data) {
			s.onPrompt(prompt)
		}
	}
	return nil
}

// Resize applies a new window size to the PTY. The tty driver delivers
// SIGWINCH to the foreground process group.
func (s *Session) Resize(cols, rows uint16) error {
	return pty.Setsize(s.master, &pty.Winsize{Cols: cols, Rows: rows})
}

// finish closes the log and every listener exactly once.
func (s *Session) finish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := make([]*Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listeners = make(map[*Listener]struct{})
	s.logFile.Close()
	s.mu.Unlock()

	for _, l := range listeners {
		l.close()
	}
	close(s.done)
}

// ReadBacklog returns the decoded contents of a chat terminal log for chats
// that are not currently running. A missing log is an empty backlog.
func ReadBacklog(logPath string) (string, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError)), nil
}
