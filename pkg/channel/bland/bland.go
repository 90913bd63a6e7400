// Package bland tests Bland phone agents. Like the Retell bridge, audio
// travels over a real phone call through the SIP channel; tool invocations
// are recovered afterwards from the Bland REST API by resolving the
// platform's call id from its call log.
package bland

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel/sip"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	defaultBaseURL = "https://api.bland.ai"

	defaultFetchDelay      = 2 * time.Second
	defaultResolveRetries  = 5
	defaultResolveInterval = time.Second

	resolveSlack = time.Minute
)

// Config describes one phone call to a Bland agent.
type Config struct {
	// APIKey authenticates against the Bland API (sent as-is in the
	// authorization header, no scheme).
	APIKey string

	// BaseURL overrides the API root, for tests.
	BaseURL string

	// HTTPClient overrides the client used for API calls.
	HTTPClient *http.Client

	// Carrier, TargetNumber and FromNumber place the phone call.
	Carrier      sip.Carrier
	TargetNumber string
	FromNumber   string

	// ListenAddr, PublicHost and TLS configure the SIP callback endpoint.
	ListenAddr string
	PublicHost string
	TLS        *tls.Config

	// FetchDelay waits for the platform to finalise its call record before
	// the tool-call fetch. Defaults to 2s.
	FetchDelay time.Duration

	// ResolveRetries and ResolveInterval bound the call-id lookup.
	ResolveRetries  int
	ResolveInterval time.Duration
}

// Channel is a phone call to a Bland agent. It implements channel.Channel.
type Channel struct {
	cfg     Config
	baseURL string
	client  *http.Client
	call    *sip.Channel

	mu        sync.Mutex
	startedAt time.Time
	fetched   []types.ObservedToolCall
	fetchErr  error

	fetchOnce sync.Once
}

var _ channel.Channel = (*Channel)(nil)

// New creates a Bland channel. The call is not placed until Connect.
func New(cfg Config) (*Channel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("bland: API key must not be empty")
	}
	call, err := sip.New(sip.Config{
		Carrier:      cfg.Carrier,
		TargetNumber: cfg.TargetNumber,
		FromNumber:   cfg.FromNumber,
		ListenAddr:   cfg.ListenAddr,
		PublicHost:   cfg.PublicHost,
		TLS:          cfg.TLS,
	})
	if err != nil {
		return nil, err
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.FetchDelay == 0 {
		cfg.FetchDelay = defaultFetchDelay
	}
	if cfg.ResolveRetries <= 0 {
		cfg.ResolveRetries = defaultResolveRetries
	}
	if cfg.ResolveInterval <= 0 {
		cfg.ResolveInterval = defaultResolveInterval
	}
	return &Channel{cfg: cfg, baseURL: base, client: client, call: call}, nil
}

// Connect places the phone call.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()
	return c.call.Connect(ctx)
}

// SendAudio implements channel.Channel.
func (c *Channel) SendAudio(ctx context.Context, pcm []byte) error { return c.call.SendAudio(ctx, pcm) }

// Audio implements channel.Channel.
func (c *Channel) Audio() <-chan []byte { return c.call.Audio() }

// Errors implements channel.Channel.
func (c *Channel) Errors() <-chan error { return c.call.Errors() }

// Done implements channel.Channel.
func (c *Channel) Done() <-chan struct{} { return c.call.Done() }

// Connected implements channel.Channel.
func (c *Channel) Connected() bool { return c.call.Connected() }

// ToolCallEndpointURL implements channel.Channel.
func (c *Channel) ToolCallEndpointURL() string { return c.call.ToolCallEndpointURL() }

// Disconnect implements channel.Channel.
func (c *Channel) Disconnect() error { return c.call.Disconnect() }

// CallData returns tool calls observed during the call plus those recovered
// from the platform. The first read after the call blocks for the fetch
// delay and lookup retries.
func (c *Channel) CallData() []types.ObservedToolCall {
	c.fetchOnce.Do(func() {
		fetched, err := c.fetchToolCalls(context.Background())
		c.mu.Lock()
		c.fetched, c.fetchErr = fetched, err
		c.mu.Unlock()
	})
	local := c.call.CallData()
	c.mu.Lock()
	fetched := c.fetched
	c.mu.Unlock()
	merged := make([]types.ObservedToolCall, 0, len(local)+len(fetched))
	merged = append(merged, local...)
	merged = append(merged, fetched...)
	return merged
}

// TranscriptErr reports whether the platform fetch failed. It is meaningful
// after the first CallData read.
func (c *Channel) TranscriptErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchErr
}

func (c *Channel) fetchToolCalls(ctx context.Context) ([]types.ObservedToolCall, error) {
	time.Sleep(c.cfg.FetchDelay)

	callID, err := c.resolveCallID(ctx)
	if err != nil {
		return nil, err
	}
	detail, err := c.getCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	return normalizeToolCalls(detail), nil
}

type listedCall struct {
	CallID    string    `json:"call_id"`
	CreatedAt time.Time `json:"created_at"`
}

type listCallsResponse struct {
	Calls []listedCall `json:"calls"`
}

// resolveCallID finds the platform's record of the call we just placed by
// matching numbers and start time.
func (c *Channel) resolveCallID(ctx context.Context) (string, error) {
	c.mu.Lock()
	earliest := c.startedAt.Add(-resolveSlack)
	c.mu.Unlock()

	q := url.Values{}
	q.Set("from_number", c.cfg.FromNumber)
	q.Set("to_number", c.cfg.TargetNumber)
	q.Set("limit", "5")

	var lastErr error
	for attempt := 0; attempt < c.cfg.ResolveRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.ResolveInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		var resp listCallsResponse
		if err := c.get(ctx, "/v1/calls?"+q.Encode(), &resp); err != nil {
			lastErr = err
			continue
		}
		for _, call := range resp.Calls {
			if call.CreatedAt.After(earliest) && call.CallID != "" {
				return call.CallID, nil
			}
		}
		lastErr = errors.New("bland: call not in platform log yet")
	}
	return "", fmt.Errorf("bland: resolve call id after %d attempts: %w", c.cfg.ResolveRetries, lastErr)
}

type platformToolCall struct {
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	Response  string         `json:"response"`
	Success   *bool          `json:"success"`
	CreatedAt time.Time      `json:"created_at"`
}

type callDetail struct {
	CallID    string             `json:"call_id"`
	StartedAt time.Time          `json:"started_at"`
	ToolCalls []platformToolCall `json:"tool_calls"`
}

func (c *Channel) getCall(ctx context.Context, callID string) (*callDetail, error) {
	var detail callDetail
	if err := c.get(ctx, "/v1/calls/"+callID, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// normalizeToolCalls maps the platform's schema onto ObservedToolCall,
// rebasing absolute creation times onto the call start.
func normalizeToolCalls(detail *callDetail) []types.ObservedToolCall {
	var out []types.ObservedToolCall
	for _, tc := range detail.ToolCalls {
		if tc.Name == "" {
			continue
		}
		call := types.ObservedToolCall{
			Name:       tc.Name,
			Arguments:  tc.Input,
			Successful: tc.Success,
		}
		if tc.Response != "" {
			call.Result = tc.Response
		}
		if !detail.StartedAt.IsZero() && tc.CreatedAt.After(detail.StartedAt) {
			call.TimestampMs = tc.CreatedAt.Sub(detail.StartedAt).Milliseconds()
		}
		out = append(out, call)
	}
	return out
}

func (c *Channel) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.cfg.APIKey)
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bland: GET %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("bland: GET %s: status %d: %s", path, res.StatusCode, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(res.Body).Decode(out)
}
