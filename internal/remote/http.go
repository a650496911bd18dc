package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/schaermu/b2sync/internal/content"
)

// maxErrorBody bounds how much of an error response ends up in the error.
const maxErrorBody = 512

// Client talks to the remote store over HTTP with bearer authentication.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client for the API rooted at endpoint.
func NewClient(endpoint, token string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", endpoint)
	}
	return &Client{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// Entries lists the entries of the remote store.
func (c *Client) Entries(ctx context.Context) ([]EntryInfo, error) {
	var out []EntryInfo
	if err := c.do(ctx, http.MethodGet, []string{"entries"}, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return out, nil
}

// Entry returns the named entry. No request is made.
func (c *Client) Entry(name string) Entry {
	return &httpEntry{client: c, name: name}
}

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (c *Client) do(ctx context.Context, method string, segments []string, in, out any) error {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	target := c.base.String() + "/" + strings.Join(escaped, "/")
	route := "/" + strings.Join(escaped, "/")

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("remote request", "method", method, "path", route, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, route, content.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: method,
			URL:    route,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(excerpt)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, route, err)
	}
	return nil
}

type httpEntry struct {
	client *Client
	name   string
}

func (e *httpEntry) Name() string { return e.name }

func (e *httpEntry) Objects(kind content.Kind) (Objects, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", content.ErrUnknownKind, kind)
	}
	return &httpObjects{client: e.client, entry: e.name, kind: kind}, nil
}

type httpObjects struct {
	client *Client
	entry  string
	kind   content.Kind
}

func (o *httpObjects) path(rest ...string) []string {
	return append([]string{"entries", o.entry, o.kind.Plural()}, rest...)
}

func (o *httpObjects) ListSnapshot(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	if err := o.client.do(ctx, http.MethodGet, o.path("snapshot"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *httpObjects) GetBatch(ctx context.Context, ids []string) ([]content.Object, error) {
	var raw []json.RawMessage
	req := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	if err := o.client.do(ctx, http.MethodPost, o.path("batch"), req, &raw); err != nil {
		return nil, err
	}

	objs := make([]content.Object, 0, len(raw))
	for _, r := range raw {
		obj, err := content.Decode(o.kind, r)
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (o *httpObjects) GetByHandle(ctx context.Context, handle string) (content.Object, error) {
	return o.fetch(ctx, http.MethodGet, o.path("by-handle", handle), nil)
}

func (o *httpObjects) Get(ctx context.Context, id string) (content.Object, error) {
	return o.fetch(ctx, http.MethodGet, o.path(id), nil)
}

func (o *httpObjects) Create(ctx context.Context, obj content.Object) (content.Object, error) {
	return o.fetch(ctx, http.MethodPost, o.path(), obj)
}

func (o *httpObjects) Update(ctx context.Context, obj content.Object) (content.Object, error) {
	id := obj.Base().ID
	if id == "" {
		return nil, content.ErrNotSaved
	}
	return o.fetch(ctx, http.MethodPut, o.path(id), obj)
}

func (o *httpObjects) Delete(ctx context.Context, id string) error {
	return o.client.do(ctx, http.MethodDelete, o.path(id), nil, nil)
}

func (o *httpObjects) fetch(ctx context.Context, method string, segments []string, in any) (content.Object, error) {
	var raw json.RawMessage
	if err := o.client.do(ctx, method, segments, in, &raw); err != nil {
		return nil, err
	}
	return content.Decode(o.kind, raw)
}
