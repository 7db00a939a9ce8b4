package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"
)

// requestTimeout bounds a single synthesis request.
const requestTimeout = 10 * time.Second

// Cache memoizes synthesized audio handles per campaign and text. The cache
// for a campaign is wiped whenever its post-call menu is persisted, so menu
// edits take effect on the next call.
type Cache struct {
	url    string
	httpc  *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	campaigns map[int64]map[string]string
}

// NewCache creates a TTS cache backed by the given service endpoint.
func NewCache(url string, logger *slog.Logger) *Cache {
	return &Cache{
		url:       url,
		httpc:     &http.Client{Timeout: requestTimeout},
		logger:    logger.With("component", "tts"),
		campaigns: make(map[int64]map[string]string),
	}
}

// GetAudio returns a playable audio handle for the text, synthesizing on a
// cache miss. Synthesis runs outside the cache lock. Failure is terminal for
// the current playback attempt.
func (c *Cache) GetAudio(ctx context.Context, campaignID int64, text string) (string, error) {
	c.mu.Lock()
	if byText, ok := c.campaigns[campaignID]; ok {
		if handle, ok := byText[text]; ok {
			c.mu.Unlock()
			return handle, nil
		}
	}
	c.mu.Unlock()

	handle, err := c.synthesize(ctx, text)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	byText, ok := c.campaigns[campaignID]
	if !ok {
		byText = make(map[string]string)
		c.campaigns[campaignID] = byText
	}
	byText[text] = handle
	c.mu.Unlock()

	c.logger.Debug("synthesized audio", "campaign_id", campaignID, "handle", handle)
	return handle, nil
}

// Invalidate wipes the campaign's cached audio.
func (c *Cache) Invalidate(campaignID int64) {
	c.mu.Lock()
	delete(c.campaigns, campaignID)
	c.mu.Unlock()
	c.logger.Debug("invalidated tts cache", "campaign_id", campaignID)
}

// synthesize posts the text to the TTS service as a multipart form and
// returns the filename with any trailing ".gsm" extension stripped.
func (c *Cache) synthesize(ctx context.Context, text string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("text", text); err != nil {
		return "", fmt.Errorf("writing form field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing form writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return "", fmt.Errorf("building tts request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling tts service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("tts service status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out struct {
		Filename string `json:"filename"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding tts response: %w", err)
	}
	if out.Filename == "" {
		return "", fmt.Errorf("tts service returned empty filename")
	}

	return strings.TrimSuffix(out.Filename, ".gsm"), nil
}
