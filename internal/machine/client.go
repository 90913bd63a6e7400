package machine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sgzrov/VoiceCI-sub000/internal/verrors"
)

// Machine states the driver waits on.
const (
	StateStarted   = "started"
	StateStopped   = "stopped"
	StateDestroyed = "destroyed"
)

// waitSlice caps a single blocking wait request; the control plane refuses
// longer holds. Wait re-issues requests until its own deadline.
const waitSlice = 60 * time.Second

// errWaitPending marks a wait request the control plane timed out with the
// machine still short of the requested state.
var errWaitPending = errors.New("machine: wait pending")

// Guest is the VM shape: CPU class, core count, and memory.
type Guest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

// MachineConfig is the control plane's machine configuration payload.
type MachineConfig struct {
	Image       string            `json:"image"`
	Guest       Guest             `json:"guest"`
	Env         map[string]string `json:"env,omitempty"`
	AutoDestroy bool              `json:"auto_destroy,omitempty"`
}

// CreateRequest asks the control plane for one machine.
type CreateRequest struct {
	Name   string        `json:"name"`
	Region string        `json:"region,omitempty"`
	Config MachineConfig `json:"config"`
}

// Machine is the control plane's view of a provisioned VM.
type Machine struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Client talks to a Machines-style control plane: create, wait, destroy.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a control-plane client. apiURL is the app-scoped API
// root, e.g. https://api.machines.dev/v1/apps/voiceci-runners. A nil
// httpClient gets a default sized to outlast one wait slice.
func NewClient(apiURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: waitSlice + 30*time.Second}
	}
	return &Client{baseURL: strings.TrimRight(apiURL, "/"), token: token, http: httpClient}
}

// Create provisions one machine.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Machine, error) {
	var m Machine
	if err := c.do(ctx, http.MethodPost, "/machines", req, &m); err != nil {
		return nil, verrors.Wrap(verrors.KindUpstream, fmt.Errorf("machine: create %s: %w", req.Name, err))
	}
	return &m, nil
}

// Wait blocks until the machine reaches state or timeout elapses. Expiry is
// reported as a timeout-kind error; the machine is left for the caller to
// destroy.
func (c *Client) Wait(ctx context.Context, id, state string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		slice := time.Until(deadline)
		if slice <= 0 {
			return verrors.New(verrors.KindTimeout, "machine: %s did not reach %s within %s", id, state, timeout)
		}
		if slice > waitSlice {
			slice = waitSlice
		}

		err := c.waitOnce(ctx, id, state, slice)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errWaitPending):
			continue
		case ctx.Err() != nil:
			return verrors.New(verrors.KindTimeout, "machine: %s did not reach %s within %s", id, state, timeout)
		default:
			return verrors.Wrap(verrors.KindUpstream, fmt.Errorf("machine: wait for %s: %w", id, err))
		}
	}
}

func (c *Client) waitOnce(ctx context.Context, id, state string, slice time.Duration) error {
	sec := int(slice.Seconds())
	if sec < 1 {
		sec = 1
	}
	q := url.Values{}
	q.Set("state", state)
	q.Set("timeout", strconv.Itoa(sec))

	err := c.do(ctx, http.MethodGet, "/machines/"+id+"/wait?"+q.Encode(), nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusRequestTimeout {
		return errWaitPending
	}
	return err
}

// Destroy force-removes the machine. A machine that is already gone is not
// an error.
func (c *Client) Destroy(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/machines/"+id+"?force=true", nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return verrors.Wrap(verrors.KindUpstream, fmt.Errorf("machine: destroy %s: %w", id, err))
	}
	return nil
}

// statusError is a non-2xx control-plane reply.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

// do sends one JSON request and decodes the reply into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &statusError{code: res.StatusCode, body: truncate(data, 256)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
