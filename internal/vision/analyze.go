package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"vizcache-gateway/internal/metrics"
)

const maxImageSize = 20 * 1024 * 1024 // provider limit for inline images

// Analyze sends the prompt and the image as a base64 data URI to the
// chat completions endpoint and returns the first choice's text.
func (c *client) Analyze(parentCtx context.Context, req *AnalyzeRequest) (*AnalyzeResponse, error) {
	start := time.Now()

	if req == nil {
		return nil, fmt.Errorf("vision: request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("vision: invalid request: %w", err)
	}
	if len(req.Image) > maxImageSize {
		return nil, fmt.Errorf("vision: image too large (%d bytes, max %d)", len(req.Image), maxImageSize)
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	bodyBytes, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("vision: marshal request: %w", err)
	}

	url := c.cfg.BaseURL + "/v1/chat/completions"

	c.logger.Debug("vision request starting",
		zap.String("model", c.cfg.Model),
		zap.Int("image_bytes", len(req.Image)),
	)

	doOnce := func(ctx context.Context, body []byte) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("vision: build HTTP request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, bodyBytes, doOnce)
	metrics.UpstreamLatencySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Error("vision request failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.upstreamError(resp)
	}

	var pResp providerChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, fmt.Errorf("vision: decode upstream response: %w", err)
	}
	if len(pResp.Choices) == 0 {
		c.logger.Error("vision provider returned no choices", zap.String("model", c.cfg.Model))
		return nil, fmt.Errorf("vision: provider returned no choices")
	}

	out := &AnalyzeResponse{
		ID:    pResp.ID,
		Model: pResp.Model,
		Text:  pResp.Choices[0].Message.Content,
	}
	if pResp.Usage != nil {
		out.Usage = *pResp.Usage
	}

	c.logger.Info("vision request completed",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

func (c *client) buildRequest(req *AnalyzeRequest) providerChatRequest {
	mediaType := req.MediaType
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = http.DetectContentType(req.Image)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = "image/jpeg"
	}
	dataURI := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(req.Image)

	return providerChatRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []providerMessage{{
			Role: RoleUser,
			Content: []contentPart{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
			},
		}},
	}
}

func (c *client) upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var perr providerErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		c.logger.Error("vision provider error",
			zap.Int("status", resp.StatusCode),
			zap.String("error_type", perr.Error.Type),
			zap.String("error_message", perr.Error.Message),
		)
		return fmt.Errorf("vision: upstream %d: %s (%s)", resp.StatusCode, perr.Error.Message, perr.Error.Type)
	}

	c.logger.Error("vision upstream error",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncate(string(body), 200)),
	)
	return fmt.Errorf("vision: upstream %d: %s", resp.StatusCode, truncate(string(body), 200))
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
