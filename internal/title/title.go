// Package title derives short chat titles from the prompts captured off the
// PTY input stream. Work is deduplicated by a fingerprint over the generation
// inputs, so resubmitting the same prompts never calls the generator twice.
package title

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/state"
)

const (
	// promptWindow is how many of the newest prompts feed one generation.
	promptWindow = 16

	// generateTimeout bounds one generator invocation, CLI or API.
	generateTimeout = 60 * time.Second
)

// errNoCredentials is persisted verbatim as the chat's title_error.
var errNoCredentials = errors.New("no credentials configured for title generation")

// Account is the vault subset the pipeline consults to pick a generator.
type Account interface {
	HasAccountToken() bool
	OpenAIKey() (string, bool)
}

// Pipeline generates chat titles in the background. Kick schedules work for
// a chat; at most one generation runs per chat at a time, and kicks that
// arrive mid-run coalesce into a single follow-up pass.
type Pipeline struct {
	cfg   *config.Config
	store *state.Store
	creds Account
	log   *logger.Logger
	now   func() time.Time

	// genFn produces (title text, source label). Swapped in tests.
	genFn func(ctx context.Context, prompts []string) (string, string, error)

	rootCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]bool
	pending  map[string]bool
	wg       sync.WaitGroup
}

// NewPipeline wires the title pipeline. creds may be nil; every generation
// then fails with the no-credentials message.
func NewPipeline(cfg *config.Config, store *state.Store, creds Account, log *logger.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:      cfg,
		store:    store,
		creds:    creds,
		log:      log.WithFields(zap.String("component", "title-pipeline")),
		now:      time.Now,
		rootCtx:  ctx,
		cancel:   cancel,
		inflight: map[string]bool{},
		pending:  map[string]bool{},
	}
	p.genFn = p.generate
	return p
}

// SetClock overrides the time source.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Kick schedules a title generation for the chat. Safe to call from any
// goroutine; a kick during an active run marks a rerun instead of stacking
// workers.
func (p *Pipeline) Kick(chatID string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.inflight[chatID] {
		p.pending[chatID] = true
		p.mu.Unlock()
		return
	}
	p.inflight[chatID] = true
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(chatID)
}

// Close cancels in-flight generations and waits for workers to drain.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) run(chatID string) {
	defer p.wg.Done()
	for {
		p.generateOnce(chatID)

		p.mu.Lock()
		if p.pending[chatID] && !p.closed {
			delete(p.pending, chatID)
			p.mu.Unlock()
			continue
		}
		delete(p.inflight, chatID)
		delete(p.pending, chatID)
		p.mu.Unlock()
		return
	}
}

func (p *Pipeline) generateOnce(chatID string) {
	c, err := p.store.GetChat(chatID)
	if err != nil {
		p.log.Debug("title kick for unknown chat", zap.String("chat_id", chatID))
		return
	}
	prompts := tail(c.TitlePromptHistory, promptWindow)
	if len(prompts) == 0 {
		return
	}

	fp := Fingerprint(p.cfg.Title.Model, p.cfg.Title.MaxChars, prompts)
	if fp == c.TitlePromptFingerprint {
		return
	}

	if err := p.store.UpdateChat(chatID, "title_generation_pending", func(c *state.Chat) error {
		c.TitleStatus = state.TitlePending
		return nil
	}); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(p.rootCtx, generateTimeout)
	text, source, genErr := p.genFn(ctx, prompts)
	cancel()

	now := p.now().UTC()
	if genErr == nil {
		if title := postProcess(text, p.cfg.Title.MaxChars); title != "" {
			uerr := p.store.UpdateChat(chatID, "title_generation_ready", func(c *state.Chat) error {
				c.TitleCached = title
				c.TitlePromptFingerprint = fp
				c.TitleStatus = state.TitleReady
				c.TitleError = ""
				c.TitleSource = source
				c.TitleUpdatedAt = &now
				return nil
			})
			if uerr != nil {
				p.log.Warn("persist generated title", zap.String("chat_id", chatID), zap.Error(uerr))
				return
			}
			metrics.TitlesGenerated.Inc()
			p.log.Info("chat title generated",
				zap.String("chat_id", chatID), zap.String("source", source))
			return
		}
		genErr = errors.New("title generator returned no text")
	}

	// The fingerprint stays unchanged on failure so the next kick retries,
	// for example after credentials get connected.
	uerr := p.store.UpdateChat(chatID, "title_generation_failed", func(c *state.Chat) error {
		c.TitleStatus = state.TitleError
		c.TitleError = genErr.Error()
		c.TitleUpdatedAt = &now
		return nil
	})
	if uerr != nil {
		p.log.Warn("persist title failure", zap.String("chat_id", chatID), zap.Error(uerr))
		return
	}
	p.log.Warn("chat title generation failed",
		zap.String("chat_id", chatID), zap.Error(genErr))
}

// generate picks the generator by available credentials: the account-bound
// codex CLI first, then the chat completion API, else a fixed error.
func (p *Pipeline) generate(ctx context.Context, prompts []string) (string, string, error) {
	if p.creds != nil && p.creds.HasAccountToken() {
		text, err := p.generateViaCodex(ctx, prompts)
		return text, "codex_account", err
	}
	if p.creds != nil {
		if key, ok := p.creds.OpenAIKey(); ok {
			text, err := p.generateViaAPI(ctx, key, prompts)
			return text, "openai_api", err
		}
	}
	return "", "", errNoCredentials
}

func (p *Pipeline) generateViaCodex(ctx context.Context, prompts []string) (string, error) {
	tmp, err := os.CreateTemp("", "agent-hub-title-*")
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	outPath := tmp.Name()
	tmp.Close()
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, p.cfg.AgentCLI.CodexBinary,
		"exec", "--sandbox", "read-only", "--output-last-message", outPath,
		titlePrompt(p.cfg.Title.MaxChars, prompts))
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("codex exec: %v: %s", err, firstLine(string(out)))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return "", fmt.Errorf("read codex output: %w", err)
	}
	return string(data), nil
}

func (p *Pipeline) generateViaAPI(ctx context.Context, key string, prompts []string) (string, error) {
	client := openai.NewClient(openaioption.WithAPIKey(key))
	completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.cfg.Title.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf(
				"You name coding sessions. Reply with a title of at most %d characters for the conversation, no quotes, no trailing punctuation.",
				p.cfg.Title.MaxChars)),
			openai.UserMessage(strings.Join(prompts, "\n")),
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("openai API error (HTTP %d)", apiErr.StatusCode)
		}
		return "", fmt.Errorf("openai API error: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("openai API returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// titlePrompt is the instruction handed to the codex CLI.
func titlePrompt(maxChars int, prompts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize this coding session as a title of at most %d characters. Reply with the title only, no quotes.\n\n", maxChars)
	for _, p := range prompts {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}

// Fingerprint hashes the generation inputs: model, max length and the
// newest prompts. Canonical JSON with sorted keys keeps it stable across
// runs.
func Fingerprint(model string, maxChars int, prompts []string) string {
	if prompts == nil {
		prompts = []string{}
	}
	payload, _ := json.Marshal(map[string]any{
		"model":     model,
		"max_chars": maxChars,
		"prompts":   prompts,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// postProcess reduces raw generator output to a usable title: first
// non-empty line, wrapping quotes stripped, truncated to maxChars.
func postProcess(raw string, maxChars int) string {
	line := firstLine(raw)
	line = stripQuotes(strings.TrimSpace(line))
	return truncateTitle(line, maxChars)
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

var quotePairs = map[rune]rune{
	'"':  '"',
	'\'': '\'',
	'`':  '`',
	'“':  '”',
	'‘':  '’',
}

func stripQuotes(s string) string {
	for {
		r := []rune(s)
		if len(r) < 2 {
			return s
		}
		closing, ok := quotePairs[r[0]]
		if !ok || r[len(r)-1] != closing {
			return s
		}
		s = strings.TrimSpace(string(r[1 : len(r)-1]))
	}
}

// truncateTitle cuts s to at most max runes. It prefers a clean break at
// punctuation, then a word boundary with an ellipsis, then a hard cut.
func truncateTitle(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	window := runes[:max]
	floor := max / 2

	breakAt := -1
	for i, r := range window {
		if i < floor {
			continue
		}
		if strings.ContainsRune(".-|:;,", r) {
			breakAt = i
		}
	}
	if breakAt >= 0 {
		return strings.TrimSpace(string(window[:breakAt]))
	}

	for i := len(window) - 1; i >= floor; i-- {
		if window[i] == ' ' {
			return strings.TrimSpace(string(window[:i])) + "…"
		}
	}
	return strings.TrimSpace(string(window[:max-1])) + "…"
}

func tail(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}
