package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/dispatch/internal/common/config"
	"github.com/kandev/dispatch/internal/common/logger"
)

const titleGenTimeout = 15 * time.Second

// titleGenerator produces a short session title from the first chat
// message, fire-and-forget, per §4.6/§6.6. No SDK for this appears
// anywhere in the pack, so it speaks the OpenAI-compatible chat
// completions wire format directly over net/http — the lowest common
// denominator across hosted and self-hosted model endpoints.
type titleGenerator struct {
	cfg    config.TitleGenConfig
	http   *http.Client
	logger *logger.Logger
}

func newTitleGenerator(cfg config.TitleGenConfig, log *logger.Logger) *titleGenerator {
	return &titleGenerator{
		cfg:    cfg,
		http:   &http.Client{Timeout: titleGenTimeout},
		logger: log.WithFields(zap.String("component", "titlegen")),
	}
}

type chatCompletionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	MaxTokens int `json:"max_tokens"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// generate calls onTitle with the generated title on success. It is a
// no-op when no base URL is configured, and silently gives up on any
// transport/parse failure — title generation is cosmetic, never on
// the task-completion critical path.
func (g *titleGenerator) generate(sessionID, firstMessage string, onTitle func(title string)) {
	if g.cfg.BaseURL == "" {
		return
	}

	req := chatCompletionRequest{Model: g.cfg.Model, MaxTokens: 24}
	req.Messages = append(req.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{
		Role:    "user",
		Content: fmt.Sprintf("Summarize this message in 5 words or fewer, as a session title, no punctuation:\n\n%s", firstMessage),
	})

	body, err := json.Marshal(req)
	if err != nil {
		g.logger.Warn("encode title request failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), titleGenTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		g.logger.Warn("build title request failed", zap.Error(err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.http.Do(httpReq)
	if err != nil {
		g.logger.Warn("title request failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.logger.Warn("title endpoint returned non-2xx", zap.Int("status", resp.StatusCode))
		return
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		g.logger.Warn("decode title response failed", zap.Error(err))
		return
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return
	}

	title := out.Choices[0].Message.Content
	onTitle(title)
}
