package api

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
	"time"

	"secure_msg/internal/model"
)

var (
	ErrPersistence  = errors.New("persistence failed")
	ErrAccessDenied = errors.New("access denied")
)

type (
	// Error is a non-2xx answer from the relay.
	Error struct {
		Status  int
		Message string
	}

	// ErrorBody is the JSON shape of every error the relay writes.
	ErrorBody struct {
		Error string `json:"error"`
	}

	// Client talks to the relay's REST surface on behalf of one user.
	Client struct {
		base  *url.URL
		token string
		http  *http.Client
	}
)

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrPersistence, e.Status, e.Message)
}

// Unwrap lets callers match both ErrPersistence and, for 401/403,
// ErrAccessDenied.
func (e *Error) Unwrap() []error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return []error{ErrPersistence, ErrAccessDenied}
	}
	return []error{ErrPersistence}
}

// UserMessage is the part of the error fit to show in the UI.
func (e *Error) UserMessage() string {
	return e.Message
}

func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: u, token: token, http: httpClient}, nil
}

func (c *Client) ListThreads(ctx context.Context) ([]model.Thread, error) {
	var threads []model.Thread
	err := c.do(ctx, http.MethodGet, c.endpoint(nil, "threads"), nil, &threads)
	return threads, err
}

func (c *Client) CreateThread(ctx context.Context, req model.CreateThreadRequest) (*model.Thread, error) {
	var t model.Thread
	if err := c.do(ctx, http.MethodPost, c.endpoint(nil, "threads"), req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) GetThread(ctx context.Context, threadID string) (*model.Thread, error) {
	var t model.Thread
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "threads", threadID), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	var msgs []model.Message
	err := c.do(ctx, http.MethodGet, c.endpoint(nil, "threads", threadID, "messages"), nil, &msgs)
	return msgs, err
}

func (c *Client) SendMessage(ctx context.Context, req model.SendMessageRequest) (*model.Message, error) {
	var m model.Message
	if err := c.do(ctx, http.MethodPost, c.endpoint(nil, "messages"), req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, http.MethodPost, c.endpoint(nil, "messages", messageID, "reactions"), model.ReactionRequest{Emoji: emoji}, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint(nil, "messages", messageID, "reactions", emoji), nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, threadID string, messageIDs []string) error {
	return c.do(ctx, http.MethodPost, c.endpoint(nil, "threads", threadID, "read"), model.ReadRequest{MessageIDs: messageIDs}, nil)
}

func (c *Client) PublishKey(ctx context.Context, bundle model.PublicKeyBundle) error {
	return c.do(ctx, http.MethodPut, c.endpoint(nil, "keys"), bundle, nil)
}

func (c *Client) LookupKey(ctx context.Context, userID string) (*model.PublicKeyBundle, error) {
	var b model.PublicKeyBundle
	if err := c.do(ctx, http.MethodGet, c.endpoint(nil, "keys", userID), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) RegisterDevice(ctx context.Context, device model.Device) (*model.Device, error) {
	var d model.Device
	if err := c.do(ctx, http.MethodPost, c.endpoint(nil, "devices"), device, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) SyncDevice(ctx context.Context, deviceID string, since time.Time) (*model.SyncResponse, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var resp model.SyncResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint(q, "devices", deviceID, "sync"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// endpoint builds <base>/api/<segments...>, escaping every segment.
func (c *Client) endpoint(q url.Values, segments ...string) url.URL {
	escaped := make([]string, 0, len(segments)+1)
	escaped = append(escaped, "api")
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}

	u := *c.base
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	u.Path, _ = url.PathUnescape(u.RawPath)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method string, u url.URL, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrPersistence, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrPersistence, method, u.Path, err)
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb ErrorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Message: eb.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", ErrPersistence, method, u.Path, err)
	}
	return nil
}
