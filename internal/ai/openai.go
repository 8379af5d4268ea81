package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loopbreaker/scriptrunner/pkg/models"
	"golang.org/x/time/rate"
)

const (
	maxPromptContent  = 2000
	maxDescription    = 150
	requestMaxTokens  = 3000
	requestTemp       = 0.3
	errorBodyPreview  = 200
	descriptionPrompt = "Write a 1-2 sentence summary of this note. Be concise and direct. Output only the summary, nothing else.\n\nTitle: %s\n\nContent:\n%s"
)

// quotedText finds candidate descriptions inside a reasoning trace.
var quotedText = regexp.MustCompile(`"([^"]{20,150})"`)

// ChatConfig configures an OpenAI-compatible chat completions endpoint.
type ChatConfig struct {
	Name            string
	BaseURL         string
	APIKey          string
	Model           string
	Timeout         time.Duration
	RequestInterval time.Duration
}

// ChatProvider implements models.Describer against any server that speaks the
// OpenAI chat completions API (Gradient, Ollama, OpenAI itself).
type ChatProvider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
}

// NewChatProvider creates a ChatProvider. Consecutive requests are spaced at
// least RequestInterval apart.
func NewChatProvider(cfg ChatConfig) *ChatProvider {
	limit := rate.Inf
	if cfg.RequestInterval > 0 {
		limit = rate.Every(cfg.RequestInterval)
	}
	return &ChatProvider{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (p *ChatProvider) Name() string  { return p.name }
func (p *ChatProvider) Model() string { return p.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// Describe asks the model for a one or two sentence summary of a note.
func (p *ChatProvider) Describe(ctx context.Context, title, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "user", Content: fmt.Sprintf(descriptionPrompt, title, truncateRunes(content, maxPromptContent))},
		},
		MaxTokens:   requestMaxTokens,
		Temperature: requestTemp,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrInferenceTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrInferenceTimeout
		}
		return "", fmt.Errorf("%w: reading response: %v", ErrProviderUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, truncateRunes(string(raw), errorBodyPreview))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}

	msg := parsed.Choices[0].Message
	text := msg.Content
	if text == "" {
		text = longestQuoted(msg.ReasoningContent)
	}
	text = strings.Trim(strings.TrimSpace(text), `"'`)
	if text == "" {
		return "", fmt.Errorf("%w: empty content", ErrInvalidResponse)
	}
	return clampDescription(text), nil
}

// longestQuoted returns the first longest quoted phrase in a reasoning trace.
func longestQuoted(reasoning string) string {
	var best string
	for _, m := range quotedText.FindAllStringSubmatch(reasoning, -1) {
		if utf8.RuneCountInString(m[1]) > utf8.RuneCountInString(best) {
			best = m[1]
		}
	}
	return best
}

// clampDescription cuts text to maxDescription runes, at a sentence end when
// one falls late enough.
func clampDescription(text string) string {
	runes := []rune(text)
	if len(runes) <= maxDescription {
		return text
	}
	head := string(runes[:maxDescription])
	if i := strings.LastIndex(head, "."); utf8.RuneCountInString(head[:max(i, 0)]) > maxDescription*6/10 {
		return head[:i+1]
	}
	return string(runes[:maxDescription-3]) + "..."
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

var _ models.Describer = (*ChatProvider)(nil)
