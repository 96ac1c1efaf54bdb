package secrets

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/events/bus"
)

// LoginMethod selects how the OpenAI account flow authenticates.
type LoginMethod string

const (
	MethodBrowserCallback LoginMethod = "browser_callback"
	MethodDeviceAuth      LoginMethod = "device_auth"
)

// LoginStatus is the progressive state of an account login session.
type LoginStatus string

const (
	LoginStarting             LoginStatus = "starting"
	LoginRunning              LoginStatus = "running"
	LoginWaitingForBrowser    LoginStatus = "waiting_for_browser"
	LoginWaitingForDeviceCode LoginStatus = "waiting_for_device_code"
	LoginCallbackReceived     LoginStatus = "callback_received"
	LoginConnected            LoginStatus = "connected"
	LoginFailed               LoginStatus = "failed"
	LoginCancelled            LoginStatus = "cancelled"
)

const loginLogTailCap = 200

// LoginSession is the singleton OpenAI account login flow.
type LoginSession struct {
	ID          string      `json:"id"`
	Method      LoginMethod `json:"method"`
	Status      LoginStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	ExitCode    *int        `json:"exit_code,omitempty"`

	LoginURL   string `json:"login_url,omitempty"`
	DeviceCode string `json:"device_code,omitempty"`

	LocalCallbackURL  string `json:"local_callback_url,omitempty"`
	LocalCallbackPort int    `json:"local_callback_port,omitempty"`
	LocalCallbackPath string `json:"local_callback_path,omitempty"`

	LogTail []string `json:"log_tail"`
}

func (s *LoginSession) active() bool {
	switch s.Status {
	case LoginConnected, LoginFailed, LoginCancelled:
		return false
	default:
		return true
	}
}

func (s *LoginSession) clone() *LoginSession {
	out := *s
	out.LogTail = append([]string(nil), s.LogTail...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.ExitCode != nil {
		c := *s.ExitCode
		out.ExitCode = &c
	}
	return &out
}

var (
	loginURLPattern   = regexp.MustCompile(`https?://[^\s"']+`)
	deviceCodePattern = regexp.MustCompile(`\b[A-Z0-9]{4}-[A-Z0-9]{4,8}\b`)
)

// LoginManager supervises the singleton account login child process. Starting
// a new session with a different method cancels the active one; starting with
// the same method returns the active session unchanged.
type LoginManager struct {
	cfg    config.AgentCLIConfig
	bus    *bus.Bus
	log    *logger.Logger
	client *http.Client

	mu      sync.Mutex
	session *LoginSession
	cmd     *exec.Cmd
}

// NewLoginManager creates the manager.
func NewLoginManager(cfg config.AgentCLIConfig, eventBus *bus.Bus, log *logger.Logger) *LoginManager {
	return &LoginManager{
		cfg:    cfg,
		bus:    eventBus,
		log:    log.WithFields(zap.String("component", "account-login")),
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Session returns a copy of the current session, or nil.
func (m *LoginManager) Session() *LoginSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	return m.session.clone()
}

// Start launches a login flow with the given method.
func (m *LoginManager) Start(method LoginMethod) (*LoginSession, error) {
	if method != MethodBrowserCallback && method != MethodDeviceAuth {
		return nil, apperr.InvalidRequest(fmt.Sprintf("unknown login method %q", method))
	}

	m.mu.Lock()
	if m.session != nil && m.session.active() {
		if m.session.Method == method {
			out := m.session.clone()
			m.mu.Unlock()
			return out, nil
		}
		m.cancelLocked()
	}

	session := &LoginSession{
		ID:        uuid.New().String(),
		Method:    method,
		Status:    LoginStarting,
		StartedAt: time.Now().UTC(),
		LogTail:   []string{},
	}
	m.session = session
	m.mu.Unlock()
	m.emit(session.clone())

	argv := append(append([]string{}, m.cfg.Command...), "login", "--method", string(method))
	if m.cfg.ConfigFile != "" {
		argv = append(argv, "--config-file", m.cfg.ConfigFile)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, m.failStart(session, fmt.Sprintf("create pipe: %v", err))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, m.failStart(session, fmt.Sprintf("spawn login command: %v", err))
	}
	pw.Close()

	m.mu.Lock()
	m.cmd = cmd
	if m.session == session {
		session.Status = LoginRunning
	}
	out := session.clone()
	m.mu.Unlock()
	m.emit(out)

	m.log.Info("Account login started",
		zap.String("session_id", session.ID),
		zap.String("method", string(method)),
	)

	go m.consumeOutput(session, pr)
	go m.waitForExit(session, cmd)

	return out, nil
}

func (m *LoginManager) failStart(session *LoginSession, message string) error {
	m.mu.Lock()
	if m.session == session {
		now := time.Now().UTC()
		session.Status = LoginFailed
		session.CompletedAt = &now
		session.LogTail = appendTail(session.LogTail, message)
	}
	out := session.clone()
	m.mu.Unlock()
	m.emit(out)
	return apperr.Internal(message)
}

// consumeOutput parses the child's combined output for the login URL, device
// code, and local callback address, keeping a rolling tail.
func (m *LoginManager) consumeOutput(session *LoginSession, r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		m.mu.Lock()
		if m.session != session {
			m.mu.Unlock()
			return
		}
		session.LogTail = appendTail(session.LogTail, line)
		m.parseLineLocked(session, line)
		out := session.clone()
		m.mu.Unlock()
		m.emit(out)
	}
}

func (m *LoginManager) parseLineLocked(session *LoginSession, line string) {
	if u := loginURLPattern.FindString(line); u != "" {
		parsed, err := url.Parse(u)
		if err == nil && isLoopbackHost(parsed.Hostname()) {
			if port, perr := strconv.Atoi(parsed.Port()); perr == nil {
				session.LocalCallbackURL = u
				session.LocalCallbackPort = port
				session.LocalCallbackPath = parsed.Path
			}
		} else if session.LoginURL == "" {
			session.LoginURL = u
			if session.Method == MethodBrowserCallback && session.Status == LoginRunning {
				session.Status = LoginWaitingForBrowser
			}
		}
	}

	if session.Method == MethodDeviceAuth && session.DeviceCode == "" {
		if code := deviceCodePattern.FindString(line); code != "" {
			session.DeviceCode = code
			if session.Status == LoginRunning {
				session.Status = LoginWaitingForDeviceCode
			}
		}
	}
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func (m *LoginManager) waitForExit(session *LoginSession, cmd *exec.Cmd) {
	err := cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	session.ExitCode = &code
	session.CompletedAt = &now
	if session.Status != LoginCancelled {
		if code == 0 {
			session.Status = LoginConnected
		} else {
			session.Status = LoginFailed
		}
	}
	m.cmd = nil
	out := session.clone()
	m.mu.Unlock()

	m.log.Info("Account login finished",
		zap.String("session_id", session.ID),
		zap.Int("exit_code", code),
		zap.String("status", string(out.Status)),
	)
	m.emit(out)
}

// Cancel terminates the active login child and marks the session cancelled.
func (m *LoginManager) Cancel() (*LoginSession, error) {
	m.mu.Lock()
	if m.session == nil || !m.session.active() {
		m.mu.Unlock()
		return nil, apperr.Conflict("no active login session")
	}
	m.cancelLocked()
	out := m.session.clone()
	m.mu.Unlock()
	m.emit(out)
	return out, nil
}

// cancelLocked signals the child's process group and marks the session
// cancelled. Caller holds m.mu.
func (m *LoginManager) cancelLocked() {
	session := m.session
	now := time.Now().UTC()
	session.Status = LoginCancelled
	session.CompletedAt = &now

	if m.cmd != nil && m.cmd.Process != nil {
		pid := m.cmd.Process.Pid
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		go func() {
			time.Sleep(3 * time.Second)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}()
	}
}

// Callback forwards the OAuth redirect query to the login child's local
// callback listener and records the event on the session.
func (m *LoginManager) Callback(ctx context.Context, rawQuery string) (int, []byte, error) {
	m.mu.Lock()
	session := m.session
	if session == nil || !session.active() {
		m.mu.Unlock()
		return 0, nil, apperr.Conflict("no active login session for callback")
	}
	if session.LocalCallbackPort == 0 {
		m.mu.Unlock()
		return 0, nil, apperr.Conflict("login session has no local callback listener")
	}
	target := fmt.Sprintf("http://localhost:%d%s", session.LocalCallbackPort, session.LocalCallbackPath)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	m.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, apperr.Internal(fmt.Sprintf("build callback request: %v", err))
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, apperr.Upstream("callback proxy failed: login listener unreachable")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, apperr.Upstream("callback proxy failed while reading response")
	}

	m.mu.Lock()
	if m.session == session && session.active() {
		session.Status = LoginCallbackReceived
	}
	out := session.clone()
	m.mu.Unlock()
	m.emit(out)

	return resp.StatusCode, body, nil
}

func (m *LoginManager) emit(session *LoginSession) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.New(events.TypeAccountSession, session))
}

func appendTail(tail []string, line string) []string {
	tail = append(tail, line)
	if len(tail) > loginLogTailCap {
		tail = tail[len(tail)-loginLogTailCap:]
	}
	return tail
}
