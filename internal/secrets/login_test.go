package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/common/apperr"
	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/events/bus"
)

func newTestLoginManager(t *testing.T) *LoginManager {
	t.Helper()
	b := bus.New(newTestLogger(t))
	t.Cleanup(b.Close)
	cfg := config.AgentCLIConfig{Command: []string{"agent-cli"}}
	return NewLoginManager(cfg, b, newTestLogger(t))
}

func TestLoginManager_ParseLoginURL(t *testing.T) {
	m := newTestLoginManager(t)
	session := &LoginSession{Method: MethodBrowserCallback, Status: LoginRunning}

	m.parseLineLocked(session, "Open this URL to authorize: https://auth.openai.com/authorize?client_id=abc")

	assert.Equal(t, "https://auth.openai.com/authorize?client_id=abc", session.LoginURL)
	assert.Equal(t, LoginWaitingForBrowser, session.Status)
}

func TestLoginManager_ParseLocalCallback(t *testing.T) {
	m := newTestLoginManager(t)
	session := &LoginSession{Method: MethodBrowserCallback, Status: LoginRunning}

	m.parseLineLocked(session, "Listening for callback on http://localhost:1455/auth/callback")

	assert.Equal(t, 1455, session.LocalCallbackPort)
	assert.Equal(t, "/auth/callback", session.LocalCallbackPath)
	// A loopback listener URL is not the user-facing login URL.
	assert.Empty(t, session.LoginURL)
}

func TestLoginManager_ParseDeviceCode(t *testing.T) {
	m := newTestLoginManager(t)
	session := &LoginSession{Method: MethodDeviceAuth, Status: LoginRunning}

	m.parseLineLocked(session, "Enter the code ABCD-1234 at https://auth.openai.com/device")

	assert.Equal(t, "ABCD-1234", session.DeviceCode)
	assert.Equal(t, LoginWaitingForDeviceCode, session.Status)
	assert.Equal(t, "https://auth.openai.com/device", session.LoginURL)

	// The first code sticks.
	m.parseLineLocked(session, "Enter the code WXYZ-9999")
	assert.Equal(t, "ABCD-1234", session.DeviceCode)
}

func TestLoginManager_DeviceCodeIgnoredForBrowserFlow(t *testing.T) {
	m := newTestLoginManager(t)
	session := &LoginSession{Method: MethodBrowserCallback, Status: LoginRunning}

	m.parseLineLocked(session, "Enter the code ABCD-1234")
	assert.Empty(t, session.DeviceCode)
}

func TestLoginManager_StartRejectsUnknownMethod(t *testing.T) {
	m := newTestLoginManager(t)
	_, err := m.Start("carrier_pigeon")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidRequest))
}

func TestLoginManager_CancelWithoutSession(t *testing.T) {
	m := newTestLoginManager(t)
	_, err := m.Cancel()
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestLoginManager_CallbackWithoutSession(t *testing.T) {
	m := newTestLoginManager(t)
	_, _, err := m.Callback(t.Context(), "code=abc")
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestLoginSession_ActiveStates(t *testing.T) {
	active := []LoginStatus{LoginStarting, LoginRunning, LoginWaitingForBrowser, LoginWaitingForDeviceCode, LoginCallbackReceived}
	for _, st := range active {
		assert.True(t, (&LoginSession{Status: st}).active(), "status %s", st)
	}
	terminal := []LoginStatus{LoginConnected, LoginFailed, LoginCancelled}
	for _, st := range terminal {
		assert.False(t, (&LoginSession{Status: st}).active(), "status %s", st)
	}
}

func TestAppendTail_Bounded(t *testing.T) {
	var tail []string
	for i := 0; i < loginLogTailCap+50; i++ {
		tail = appendTail(tail, "line")
	}
	assert.Len(t, tail, loginLogTailCap)
}
