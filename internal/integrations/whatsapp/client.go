package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"message-coalescer/internal/domain"
)

// maxTextLength is the longest body sent in one sendText call.
const maxTextLength = 4000

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError is returned for non-2xx gateway responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type apiKeyPayload struct {
	Token string `json:"token"`
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// Client sends text messages through an Evolution-style WhatsApp gateway:
// POST {base}/message/sendText/{instance} authenticated by the apikey header.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	mu     sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL string, getter Getter, paramPrefix string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("whatsapp: base url must not be empty")
	}
	if getter == nil {
		return nil, errors.New("whatsapp: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("whatsapp: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		getter:      getter,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendText delivers text to the conversation's user, split on line breaks
// when it exceeds the gateway's message size.
func (c *Client) SendText(ctx context.Context, key domain.ConversationKey, text string) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("whatsapp: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("whatsapp: text must not be empty")
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}
	for _, chunk := range splitText(text, maxTextLength) {
		if err := c.sendText(ctx, apiKey, key, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendText(ctx context.Context, apiKey string, key domain.ConversationKey, text string) error {
	body, err := json.Marshal(sendTextRequest{Number: key.UserPhone, Text: text})
	if err != nil {
		return fmt.Errorf("whatsapp: marshal request: %w", err)
	}
	endpoint := c.baseURL + "/message/sendText/" + url.PathEscape(key.InstanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send text: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/whatsapp-token")
	if err != nil {
		return "", fmt.Errorf("whatsapp: fetch api key from paramstore: %w", err)
	}
	var p apiKeyPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return "", fmt.Errorf("whatsapp: unmarshal paramstore api key as JSON: %w", err)
	}
	if p.Token == "" {
		return "", errors.New("whatsapp: api key is empty")
	}
	c.apiKey = p.Token
	return c.apiKey, nil
}

// splitText cuts text into pieces of at most limit bytes, preferring a line
// break in the second half of each piece.
func splitText(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndex(text[:limit], "\n"); idx > limit/2 {
			cut = idx + 1
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
