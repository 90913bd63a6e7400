// Package retell tests Retell phone agents. Audio travels over a real phone
// call (the SIP channel does the dialing and media bridging); tool-call data
// is not available in-band, so after the call ends the channel resolves the
// platform's call id from its call log and pulls the tool invocations out of
// the transcript via the Retell REST API.
package retell

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/pkg/channel"
	"github.com/sgzrov/VoiceCI-sub000/pkg/channel/sip"
	"github.com/sgzrov/VoiceCI-sub000/pkg/types"
)

const (
	defaultBaseURL = "https://api.retellai.com"

	defaultFetchDelay      = 2 * time.Second
	defaultResolveRetries  = 5
	defaultResolveInterval = time.Second

	// resolveSlack tolerates clock skew between us and the platform when
	// matching calls by start time.
	resolveSlack = time.Minute
)

// Config describes one phone call to a Retell agent.
type Config struct {
	// APIKey authenticates against the Retell API.
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
	// the transcript fetch. Defaults to 2s.
	FetchDelay time.Duration

	// ResolveRetries and ResolveInterval bound the call-id lookup.
	ResolveRetries  int
	ResolveInterval time.Duration
}

// Channel is a phone call to a Retell agent. It implements channel.Channel.
type Channel struct {
	cfg     Config
	baseURL string
	client  *http.Client
	call    *sip.Channel

	mu        sync.Mutex
	startedAt time.Time

	fetchOnce sync.Once
	fetched   []types.ObservedToolCall
	fetchErr  error
}

var _ channel.Channel = (*Channel)(nil)

// New creates a Retell channel. The call is not placed until Connect.
func New(cfg Config) (*Channel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("retell: API key must not be empty")
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
// from the platform transcript. The first read after the call blocks for the
// fetch delay and lookup retries.
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

// TranscriptErr reports whether the platform transcript fetch failed. It is
// meaningful after the first CallData read; local observations are still
// returned by CallData when the fetch fails.
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
	return normalizeTranscript(detail.TranscriptWithToolCalls), nil
}

type listCallsRequest struct {
	FilterCriteria struct {
		FromNumber []string `json:"from_number,omitempty"`
		ToNumber   []string `json:"to_number,omitempty"`
	} `json:"filter_criteria"`
	SortOrder string `json:"sort_order"`
	Limit     int    `json:"limit"`
}

type listedCall struct {
	CallID         string `json:"call_id"`
	StartTimestamp int64  `json:"start_timestamp"` // unix ms
}

// resolveCallID finds the platform's record of the call we just placed by
// matching numbers and start time. The record can lag the hangup, hence the
// bounded retries.
func (c *Channel) resolveCallID(ctx context.Context) (string, error) {
	c.mu.Lock()
	earliest := c.startedAt.Add(-resolveSlack)
	c.mu.Unlock()

	var req listCallsRequest
	req.FilterCriteria.FromNumber = []string{c.cfg.FromNumber}
	req.FilterCriteria.ToNumber = []string{c.cfg.TargetNumber}
	req.SortOrder = "descending"
	req.Limit = 5

	var lastErr error
	for attempt := 0; attempt < c.cfg.ResolveRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.ResolveInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		var calls []listedCall
		if err := c.do(ctx, http.MethodPost, "/v2/list-calls", req, &calls); err != nil {
			lastErr = err
			continue
		}
		for _, call := range calls {
			if time.UnixMilli(call.StartTimestamp).After(earliest) && call.CallID != "" {
				return call.CallID, nil
			}
		}
		lastErr = errors.New("retell: call not in platform log yet")
	}
	return "", fmt.Errorf("retell: resolve call id after %d attempts: %w", c.cfg.ResolveRetries, lastErr)
}

type transcriptEntry struct {
	Role       string `json:"role"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Content    string `json:"content,omitempty"`
}

type callDetail struct {
	CallID                  string            `json:"call_id"`
	TranscriptWithToolCalls []transcriptEntry `json:"transcript_with_tool_calls"`
}

func (c *Channel) getCall(ctx context.Context, callID string) (*callDetail, error) {
	var detail callDetail
	if err := c.do(ctx, http.MethodGet, "/v2/get-call/"+callID, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// normalizeTranscript turns tool_call_invocation entries into observed tool
// calls, pairing each with its tool_call_result when present. Retell encodes
// arguments as a JSON string.
func normalizeTranscript(entries []transcriptEntry) []types.ObservedToolCall {
	results := make(map[string]string)
	for _, e := range entries {
		if e.Role == "tool_call_result" && e.ToolCallID != "" {
			results[e.ToolCallID] = e.Content
		}
	}
	var calls []types.ObservedToolCall
	for _, e := range entries {
		if e.Role != "tool_call_invocation" || e.Name == "" {
			continue
		}
		call := types.ObservedToolCall{Name: e.Name}
		if e.Arguments != "" {
			var args map[string]any
			if json.Unmarshal([]byte(e.Arguments), &args) == nil {
				call.Arguments = args
			}
		}
		if result, ok := results[e.ToolCallID]; ok {
			call.Result = result
			successful := true
			call.Successful = &successful
		}
		calls = append(calls, call)
	}
	return calls
}

func (c *Channel) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("retell: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("retell: %s %s: status %d: %s", method, path, res.StatusCode, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(res.Body).Decode(out)
}
