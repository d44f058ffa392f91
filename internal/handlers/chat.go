package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "jobpipe/pkg/logx"
)

// ChatConfig configures ChatClient.
type ChatConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// ChatClient is a ModelClient for OpenAI-compatible chat/completions APIs.
type ChatClient struct {
	cfg  ChatConfig
	http *http.Client
	log  logx.Logger
}

func NewChatClient(cfg ChatConfig, log logx.Logger) (*ChatClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("model.base_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ChatClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "model")),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *ChatClient) Complete(ctx context.Context, req ModelRequest) (string, error) {
	rid := uuid.NewString()
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	body := map[string]any{
		"model":       model,
		"temperature": c.cfg.Temperature,
	}
	for k, v := range req.Options {
		body[k] = v
	}
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	body["messages"] = msgs
	if req.JSON {
		body["response_format"] = map[string]any{"type": "json_object"}
	}

	raw, err := c.post(ctx, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		c.log.Warn("model.http_error", logx.String("req_id", rid), logx.Err(err), logx.Duration("elapsed", time.Since(start)))
		return "", err
	}
	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("no choices in chat response")
	}
	out := strings.TrimSpace(cr.Choices[0].Message.Content)
	c.log.Info("model.ok",
		logx.String("req_id", rid),
		logx.String("model", model),
		logx.Int("prompt_len", len(req.Prompt)),
		logx.Int("answer_len", len(out)),
		logx.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (c *ChatClient) post(ctx context.Context, url string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("model status %d: %s", resp.StatusCode, logx.Truncate(string(raw), 300))
	}
	return raw, nil
}
