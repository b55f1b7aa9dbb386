package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Email is the message handed to the mail relay. The relay renders and
// delivers; callers only ever treat a failure as best-effort.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewClient reads the relay endpoint from env:
// - MAIL_RELAY_URL (required)
// - MAIL_RELAY_API_KEY
// - MAIL_RELAY_API_KEY_HEADER (default X-API-Key)
// - MAIL_RELAY_RATE_LIMIT_PER_MIN (default 60)
func NewClient() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("MAIL_RELAY_URL"))
	if baseURL == "" {
		return nil, errors.New("MAIL_RELAY_URL is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("MAIL_RELAY_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("MAIL_RELAY_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    strings.TrimSpace(os.Getenv("MAIL_RELAY_API_KEY")),
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

func (c *Client) SendEmail(ctx context.Context, email Email) error {
	if email.To == "" {
		return errors.New("email recipient is empty")
	}
	<-c.limiter

	body, err := json.Marshal(email)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
