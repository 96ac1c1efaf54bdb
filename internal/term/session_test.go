package term

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type promptRecorder struct {
	mu      sync.Mutex
	prompts []string
}

func (r *promptRecorder) record(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, p)
}

func (r *promptRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

// startTestSession wires a Session to the master half of a fresh PTY pair.
// Tests drive the terminal by writing to the slave half.
func startTestSession(t *testing.T, rec *promptRecorder) (*Session, *os.File, string) {
	t.Helper()

	master, slave, err := pty.Open()
	require.NoError(t, err)

	logPath := filepath.Join(t.TempDir(), "chat.log")
	onPrompt := func(string) {}
	if rec != nil {
		onPrompt = rec.record
	}
	sess, err := NewSession("chat-1", master, logPath, onPrompt, newTestLogger(t))
	require.NoError(t, err)

	go sess.Run()
	t.Cleanup(func() {
		slave.Close()
		master.Close()
		<-sess.Done()
	})
	return sess, slave, logPath
}

func collect(t *testing.T, l *Listener, want string) string {
	t.Helper()
	var b strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		if strings.Contains(b.String(), want) {
			return b.String()
		}
		select {
		case chunk, ok := <-l.C():
			if !ok {
				t.Fatalf("listener closed before %q arrived, got %q", want, b.String())
			}
			b.WriteString(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, b.String())
		}
	}
}

func TestSessionStreamsOutputToListener(t *testing.T) {
	sess, slave, _ := startTestSession(t, nil)

	l, backlog, err := sess.Attach()
	require.NoError(t, err)
	defer sess.Detach(l)
	assert.Empty(t, backlog)

	_, err = slave.WriteString("agent says hi")
	require.NoError(t, err)

	collect(t, l, "agent says hi")
}

func TestSessionWritesRawBytesToLog(t *testing.T) {
	sess, slave, logPath := startTestSession(t, nil)

	l, _, err := sess.Attach()
	require.NoError(t, err)
	defer sess.Detach(l)

	_, err = slave.WriteString("\x1b[32mok\x1b[0m")
	require.NoError(t, err)
	collect(t, l, "ok")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\x1b[32mok\x1b[0m", "log keeps escape bytes verbatim")
}

func TestSessionBacklogThenStream(t *testing.T) {
	sess, slave, _ := startTestSession(t, nil)

	first, _, err := sess.Attach()
	require.NoError(t, err)
	_, err = slave.WriteString("early output\n")
	require.NoError(t, err)
	collect(t, first, "early output")
	sess.Detach(first)

	// A later attach sees earlier output as backlog, not on the channel.
	second, backlog, err := sess.Attach()
	require.NoError(t, err)
	defer sess.Detach(second)
	assert.Contains(t, backlog, "early output")

	_, err = slave.WriteString("late output\n")
	require.NoError(t, err)
	streamed := collect(t, second, "late output")
	assert.NotContains(t, streamed, "early output")
}

func TestSessionMultipleListeners(t *testing.T) {
	sess, slave, _ := startTestSession(t, nil)

	a, _, err := sess.Attach()
	require.NoError(t, err)
	defer sess.Detach(a)
	b, _, err := sess.Attach()
	require.NoError(t, err)
	defer sess.Detach(b)

	_, err = slave.WriteString("broadcast")
	require.NoError(t, err)

	collect(t, a, "broadcast")
	collect(t, b, "broadcast")
}

func TestSessionDetectsSubmittedPrompt(t *testing.T) {
	rec := &promptRecorder{}
	sess, _, _ := startTestSession(t, rec)

	require.NoError(t, sess.Write([]byte("fix the flaky test\r")))

	require.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fix the flaky test"}, rec.all())
}

func TestSessionClosesListenersWhenPTYEnds(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)

	logPath := filepath.Join(t.TempDir(), "chat.log")
	sess, err := NewSession("chat-2", master, logPath, nil, newTestLogger(t))
	require.NoError(t, err)
	go sess.Run()

	l, _, err := sess.Attach()
	require.NoError(t, err)

	slave.Close()
	master.Close()

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never finished after PTY close")
	}

	// Channel must drain then close.
	for {
		select {
		case _, ok := <-l.C():
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("listener channel never closed")
		}
	}
}

func TestSessionAttachAfterCloseFails(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	sess, err := NewSession("chat-3", master, filepath.Join(t.TempDir(), "chat.log"), nil, newTestLogger(t))
	require.NoError(t, err)
	go sess.Run()

	slave.Close()
	master.Close()
	<-sess.Done()

	_, _, err = sess.Attach()
	require.Error(t, err)
}

func TestListenerDropsOldestOnOverflow(t *testing.T) {
	l := &Listener{ch: make(chan string, 3)}
	for _, chunk := range []string{"a", "b", "c", "d", "e"} {
		l.offer(chunk)
	}

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, <-l.C())
	}
	assert.Equal(t, []string{"c", "d", "e"}, got, "oldest chunks drop first")
}

func TestReadBacklogMissingFile(t *testing.T) {
	backlog, err := ReadBacklog(filepath.Join(t.TempDir(), "absent.log"))
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestReadBacklogSanitizesInvalidUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")
	require.NoError(t, os.WriteFile(path, []byte{'h', 'i', 0x80}, 0o644))

	backlog, err := ReadBacklog(path)
	require.NoError(t, err)
	assert.Equal(t, "hi�", backlog)
}
