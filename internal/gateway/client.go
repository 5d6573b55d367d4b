package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bhorvath-dev/wa-scheduler/internal/model"
)

// Kind classifies a send outcome for diagnostics and retry policy.
type Kind int

const (
	KindOK Kind = iota
	// KindUnauthorized means the provider rejected the auth token.
	KindUnauthorized
	// KindNotFound means the provider rejected the channel/instance id.
	KindNotFound
	// KindRejected means the provider rejected the request payload,
	// typically an invalid recipient.
	KindRejected
	// KindOther covers transport failures, timeouts and provider 5xx.
	KindOther
)

// Permanent reports whether retrying the same request can never succeed.
func (k Kind) Permanent() bool {
	return k == KindUnauthorized || k == KindNotFound || k == KindRejected
}

// Result is the normalized outcome of one send attempt. Detail never
// contains the auth token.
type Result struct {
	Success    bool
	StatusCode int
	Kind       Kind
	Detail     string
}

// Client performs exactly one round trip to the messaging provider per Send.
// It never returns an error to the caller: every failure mode collapses into
// a Result with Success=false.
type Client struct {
	httpClient *http.Client
	delayMs    int
}

// NewClient builds a gateway client. delayMs is the send-delay hint forwarded
// to the provider with each message to stay under its anti-spam heuristics.
func NewClient(timeout time.Duration, delayMs int) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if delayMs < 0 {
		delayMs = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		delayMs:    delayMs,
	}
}

type sendRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	Delay  int    `json:"delay"`
}

// Send posts one text message through the provider instance named in cfg.
func (c *Client) Send(ctx context.Context, cfg model.GatewayConfig, recipient, body string) Result {
	reqBody, err := json.Marshal(sendRequest{
		Number: recipient,
		Text:   body,
		Delay:  c.delayMs,
	})
	if err != nil {
		return failure(0, KindOther, fmt.Sprintf("encode request: %v", err), cfg.Token)
	}

	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/message/sendText/" + cfg.Instance

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return failure(0, KindOther, fmt.Sprintf("build request: %v", err), cfg.Token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failure(0, KindOther, fmt.Sprintf("request failed: %v", err), cfg.Token)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true, StatusCode: resp.StatusCode, Kind: KindOK}
	}

	kind := classify(resp.StatusCode)
	detail := fmt.Sprintf("gateway status %d body=%q", resp.StatusCode, string(raw))
	return failure(resp.StatusCode, kind, detail, cfg.Token)
}

func classify(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusBadRequest:
		return KindRejected
	default:
		return KindOther
	}
}

func failure(status int, kind Kind, detail, token string) Result {
	return Result{
		Success:    false,
		StatusCode: status,
		Kind:       kind,
		Detail:     redact(detail, token),
	}
}

// redact masks the auth token wherever it leaks into diagnostic text, e.g.
// echoed back in a provider error body.
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "[redacted]")
}
