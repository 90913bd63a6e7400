package sip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Carrier is the telephony control API the SIP channel drives. Outbound tests
// originate a call to the agent's number; inbound tests rent a number, attach
// an answer URL, and wait for the agent platform to dial in.
type Carrier interface {
	// Dial originates an outbound call and returns the carrier's call id.
	// The carrier fetches req.AnswerURL to learn where to attach its media
	// stream.
	Dial(ctx context.Context, req DialRequest) (callID string, err error)

	// AttachInbound binds answerURL to number so the next inbound call to it
	// is answered with the stream document. The returned detach function
	// removes the binding.
	AttachInbound(ctx context.Context, number, answerURL string) (detach func(context.Context) error, err error)

	// Hangup ends an in-progress call. Hanging up a call that already ended
	// is not an error.
	Hangup(ctx context.Context, callID string) error
}

// DialRequest carries the originate parameters.
type DialRequest struct {
	// To is the E.164 number to dial (the agent).
	To string

	// From is the rented caller number.
	From string

	// AnswerURL is where the carrier fetches the stream document.
	AnswerURL string
}

// RESTCarrier drives a call-control HTTP API with bearer authentication:
// POST /calls to originate, POST /calls/{id}/hangup to end, POST and DELETE
// /applications to manage inbound answer bindings.
type RESTCarrier struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRESTCarrier creates a carrier client for the control API at baseURL.
func NewRESTCarrier(baseURL, apiKey string) (*RESTCarrier, error) {
	if baseURL == "" {
		return nil, errors.New("sip: carrier base URL must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("sip: carrier API key must not be empty")
	}
	return &RESTCarrier{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}, nil
}

type dialBody struct {
	To        string `json:"to"`
	From      string `json:"from"`
	AnswerURL string `json:"answer_url"`
}

type dialResponse struct {
	CallID string `json:"call_id"`
}

// Dial implements Carrier.
func (c *RESTCarrier) Dial(ctx context.Context, req DialRequest) (string, error) {
	var resp dialResponse
	if err := c.post(ctx, "/calls", dialBody{To: req.To, From: req.From, AnswerURL: req.AnswerURL}, &resp); err != nil {
		return "", fmt.Errorf("sip: originate call: %w", err)
	}
	if resp.CallID == "" {
		return "", errors.New("sip: carrier returned no call id")
	}
	return resp.CallID, nil
}

type attachBody struct {
	Number    string `json:"number"`
	AnswerURL string `json:"answer_url"`
}

type attachResponse struct {
	ApplicationID string `json:"application_id"`
}

// AttachInbound implements Carrier.
func (c *RESTCarrier) AttachInbound(ctx context.Context, number, answerURL string) (func(context.Context) error, error) {
	var resp attachResponse
	if err := c.post(ctx, "/applications", attachBody{Number: number, AnswerURL: answerURL}, &resp); err != nil {
		return nil, fmt.Errorf("sip: attach inbound application: %w", err)
	}
	if resp.ApplicationID == "" {
		return nil, errors.New("sip: carrier returned no application id")
	}
	appID := resp.ApplicationID
	detach := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/applications/"+appID, nil)
		if err != nil {
			return fmt.Errorf("sip: detach application: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		res, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("sip: detach application: %w", err)
		}
		defer res.Body.Close()
		if res.StatusCode >= 300 {
			return fmt.Errorf("sip: detach application: status %d", res.StatusCode)
		}
		return nil
	}
	return detach, nil
}

// Hangup implements Carrier.
func (c *RESTCarrier) Hangup(ctx context.Context, callID string) error {
	if err := c.post(ctx, "/calls/"+callID+"/hangup", struct{}{}, nil); err != nil {
		return fmt.Errorf("sip: hangup: %w", err)
	}
	return nil
}

// post sends a JSON body and decodes a JSON response when out is non-nil.
func (c *RESTCarrier) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("status %d: %s", res.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
