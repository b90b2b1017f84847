// Package terminal provides in-memory PTY-backed sessions for service and
// cell-setup output, with ring buffers and per-topic fan-out.
package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/hiverun/hive/internal/common/logger"
)

const (
	// maxBufferBytes caps a session's rolling output buffer.
	maxBufferBytes = 2 * 1024 * 1024
	// retainBytes is how much tail output survives an overflow trim.
	retainBytes = 1600 * 1024
	// resetSequence (ESC c) prefixes trimmed buffers so re-rendered
	// output starts from a clean terminal state.
	resetSequence = "\x1bc"

	// DefaultCols and DefaultRows size newly spawned PTYs.
	DefaultCols = 120
	DefaultRows = 36
)

// Topic builders. Subscribers are process-local only.
func ServiceTopic(serviceID string) string { return "service:" + serviceID }
func SetupTopic(cellID string) string      { return "setup:" + cellID }
func ChatTopic(cellID string) string       { return "chat:" + cellID }

// SessionStatus is the lifecycle state of a terminal session.
type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusExited  SessionStatus = "exited"
)

// Event is delivered to topic subscribers.
type Event struct {
	Type     string // "data" | "exit"
	Data     []byte
	ExitCode int
}

// Listener receives session events. Listeners run synchronously on the
// output pump goroutine and must not block.
type Listener func(event Event)

// Session holds one PTY-backed output stream.
type Session struct {
	topic     string
	startedAt time.Time

	mu        sync.Mutex
	ptyFile   *os.File
	cols      int
	rows      int
	status    SessionStatus
	exitCode  int
	buf       []byte
	listeners map[int]Listener
	nextID    int
	logFile   *os.File
}

// Runtime manages terminal sessions keyed by topic.
type Runtime struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *logger.Logger
}

// NewRuntime creates an empty terminal runtime.
func NewRuntime(log *logger.Logger) *Runtime {
	return &Runtime{
		sessions: make(map[string]*Session),
		logger:   log,
	}
}

// Session returns the session for a topic, creating it when absent.
func (r *Runtime) Session(topic string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[topic]; ok {
		return s
	}
	s := &Session{
		topic:     topic,
		startedAt: time.Now().UTC(),
		cols:      DefaultCols,
		rows:      DefaultRows,
		status:    StatusRunning,
		listeners: make(map[int]Listener),
	}
	r.sessions[topic] = s
	return s
}

// Lookup returns the session for a topic without creating it.
func (r *Runtime) Lookup(topic string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[topic]
	return s, ok
}

// Clear removes a topic's session and drops its buffer.
func (r *Runtime) Clear(topic string) {
	r.mu.Lock()
	s, ok := r.sessions[topic]
	delete(r.sessions, topic)
	r.mu.Unlock()
	if ok {
		s.close()
	}
}

// Subscribe registers a listener on a topic and returns an unsubscribe
// function. The session is created on demand so subscribers can attach
// before output starts.
func (r *Runtime) Subscribe(topic string, listener Listener) func() {
	s := r.Session(topic)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// StopAll marks every running session exited and releases PTYs.
func (r *Runtime) StopAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// StartCommand spawns cmd under the session's PTY and pumps its output
// into the ring buffer until EOF. The returned file is the PTY master.
func (s *Session) StartCommand(cmd *exec.Cmd) (*os.File, error) {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	s.mu.Lock()
	s.ptyFile = f
	s.status = StatusRunning
	s.mu.Unlock()

	go s.pump(f)
	return f, nil
}

// pump copies PTY output into the buffer and fans it out to listeners.
func (s *Session) pump(f *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.Append(chunk)
		}
		if err != nil {
			return
		}
	}
}

// Append adds output bytes, trimming the buffer on overflow.
func (s *Session) Append(data []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, data...)
	if len(s.buf) > maxBufferBytes {
		tail := s.buf[len(s.buf)-retainBytes:]
		trimmed := make([]byte, 0, len(resetSequence)+len(tail))
		trimmed = append(trimmed, resetSequence...)
		trimmed = append(trimmed, tail...)
		s.buf = trimmed
	}
	if s.logFile != nil {
		_, _ = s.logFile.Write(data)
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, l := range listeners {
		l(Event{Type: "data", Data: data})
	}
}

// AppendLine appends a status line (CRLF terminated, PTY convention).
func (s *Session) AppendLine(line string) {
	s.Append([]byte(line + "\r\n"))
}

// MarkExit records the exit code and notifies listeners. The PTY is
// released; the buffer stays readable.
func (s *Session) MarkExit(code int) {
	s.mu.Lock()
	if s.status == StatusExited {
		s.mu.Unlock()
		return
	}
	s.status = StatusExited
	s.exitCode = code
	if s.ptyFile != nil {
		_ = s.ptyFile.Close()
		s.ptyFile = nil
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, l := range listeners {
		l(Event{Type: "exit", ExitCode: code})
	}
}

// Buffer returns a copy of the current output buffer.
func (s *Session) Buffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}

// Status returns the session status and exit code.
func (s *Session) Status() (SessionStatus, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.exitCode
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// WriteInput writes to the PTY's stdin.
func (s *Session) WriteInput(data []byte) error {
	s.mu.Lock()
	f := s.ptyFile
	s.mu.Unlock()
	if f == nil {
		return fmt.Errorf("terminal session %s has no attached pty", s.topic)
	}
	_, err := f.Write(data)
	return err
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	f := s.ptyFile
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return pty.Setsize(f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// SetLogFile attaches a best-effort log sink for appended output.
func (s *Session) SetLogFile(f *os.File) {
	s.mu.Lock()
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
	s.logFile = f
	s.mu.Unlock()
}

func (s *Session) snapshotListeners() []Listener {
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}

func (s *Session) close() {
	s.mu.Lock()
	alreadyExited := s.status == StatusExited
	s.mu.Unlock()
	if !alreadyExited {
		s.MarkExit(0)
	}
	s.mu.Lock()
	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}
	s.mu.Unlock()
}
