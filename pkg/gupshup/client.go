// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gupshup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultMessageURL  = "https://api.gupshup.io/sm/api/v1/msg"
	DefaultTemplateURL = "https://api.gupshup.io/sm/api/v1/template/msg"
	DefaultReadURL     = "https://api.gupshup.io/wa/app"
)

// maxResponseSize caps API response bodies (1 MB).
const maxResponseSize = 1 << 20

// maxMediaSize caps inbound media downloads (100 MB).
const maxMediaSize = 100 << 20

// Credentials identify the tenant an API call is made for.
type Credentials struct {
	// AppName is sent as src.name.
	AppName string
	AppID   string
	APIKey  string
	// Source is the tenant's WhatsApp business phone number.
	Source string
}

// ClientConfig holds the endpoints and limits of a Client.
type ClientConfig struct {
	MessageURL  string
	TemplateURL string
	ReadURL     string
	// RateLimit is the number of requests per second allowed per source phone.
	// Zero disables rate limiting.
	RateLimit float64
	RateBurst int
}

// APIError is returned when Gupshup rejects a request.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gupshup API error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gupshup API error (HTTP %d, status %q)", e.StatusCode, e.Status)
}

// SendResponse is the body Gupshup returns for message and template sends.
type SendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

// Client talks to the Gupshup WhatsApp API. It does not retry failed calls.
type Client struct {
	HTTP *http.Client

	messageURL  string
	templateURL string
	readURL     string

	limit    rate.Limit
	burst    int
	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	log zerolog.Logger
}

func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	c := &Client{
		HTTP:        &http.Client{},
		messageURL:  cfg.MessageURL,
		templateURL: cfg.TemplateURL,
		readURL:     strings.TrimSuffix(cfg.ReadURL, "/"),
		limiters:    make(map[string]*rate.Limiter),
		log:         log,
	}
	if c.messageURL == "" {
		c.messageURL = DefaultMessageURL
	}
	if c.templateURL == "" {
		c.templateURL = DefaultTemplateURL
	}
	if c.readURL == "" {
		c.readURL = DefaultReadURL
	}
	if cfg.RateLimit > 0 {
		c.limit = rate.Limit(cfg.RateLimit)
		c.burst = max(cfg.RateBurst, 1)
	}
	return c
}

// wait blocks until the rate limiter for the given source phone allows another call.
func (c *Client) wait(ctx context.Context, source string) error {
	if c.limit == 0 {
		return nil
	}
	c.limMu.Lock()
	lim, ok := c.limiters[source]
	if !ok {
		lim = rate.NewLimiter(c.limit, c.burst)
		c.limiters[source] = lim
	}
	c.limMu.Unlock()
	return lim.Wait(ctx)
}

func baseForm(creds Credentials, destination string) url.Values {
	form := url.Values{}
	form.Set("channel", "whatsapp")
	form.Set("source", creds.Source)
	form.Set("destination", destination)
	form.Set("src.name", creds.AppName)
	return form
}

// SendMessage sends a message to a WhatsApp user and returns the Gupshup
// message ID.
func (c *Client) SendMessage(ctx context.Context, creds Credentials, destination string, msg Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	form := baseForm(creds, destination)
	form.Set("message", string(data))

	c.log.Debug().
		Str("source", creds.Source).
		Str("destination", destination).
		Str("kind", msg.MessageKind()).
		Msg("Sending message to Gupshup")
	return c.send(ctx, creds, c.messageURL, form)
}

// SendTemplate sends a pre-approved template message.
func (c *Client) SendTemplate(ctx context.Context, creds Credentials, destination, templateID string, params []string) (string, error) {
	if params == nil {
		params = []string{}
	}
	data, err := json.Marshal(map[string]any{"id": templateID, "params": params})
	if err != nil {
		return "", fmt.Errorf("failed to encode template: %w", err)
	}
	form := baseForm(creds, destination)
	form.Set("template", string(data))

	c.log.Debug().
		Str("source", creds.Source).
		Str("destination", destination).
		Str("template_id", templateID).
		Msg("Sending template to Gupshup")
	return c.send(ctx, creds, c.templateURL, form)
}

func (c *Client) send(ctx context.Context, creds Credentials, endpoint string, form url.Values) (string, error) {
	if err := c.wait(ctx, creds.Source); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("apikey", creds.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var sr SendResponse
	_ = json.Unmarshal(body, &sr)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || sr.MessageID == "" {
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: sr.Status, Message: sr.Message}
		if apiErr.Message == "" && sr.Status == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return "", apiErr
	}
	return sr.MessageID, nil
}

// MarkRead marks an inbound message as read on WhatsApp.
func (c *Client) MarkRead(ctx context.Context, creds Credentials, messageID string) error {
	if err := c.wait(ctx, creds.Source); err != nil {
		return err
	}
	endpoint := c.readURL + "/" + url.PathEscape(creds.AppID) + "/msg/" + url.PathEscape(messageID) + "/read"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", creds.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return nil
}

// DownloadMedia fetches an inbound attachment. It returns the data and the
// content type reported by the server.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &APIError{StatusCode: resp.StatusCode, Message: "media download failed"}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media: %w", err)
	}
	if len(data) > maxMediaSize {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaSize)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
