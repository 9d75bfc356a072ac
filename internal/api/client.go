// Package api provides the typed HTTP client for the remote finance API.
//
// The remote API is an external collaborator that may be unavailable,
// slow, or hold a newer version of an entity than the local cache. This
// client exposes exactly the five operations the sync engine depends on
// (list, get, create, update, delete) over a single well-typed response
// envelope, and classifies failures into the taxonomy the sync engine
// retries against: not-found, permanent rejection, and transient.
//
// Authentication is a bearer token attached per request via TokenFunc;
// token issuance and refresh belong to an external auth collaborator.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coinkeep/coinkeep/internal/model"
)

// ErrNotFound is returned when the server reports 404 for an entity.
// The sync engine reinterprets it: an update falls back to create, a
// delete treats it as success.
var ErrNotFound = errors.New("api: not found")

// RejectionError is a permanent rejection from the server (a 4xx other
// than 404): validation failure, bad payload, forbidden. Retrying the
// same payload cannot succeed, so the sync engine moves the queue item
// to rejected instead of retrying forever.
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("api: server rejected request (%d): %s", e.StatusCode, e.Message)
}

// IsRejection reports whether err is a permanent server rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// TokenFunc supplies the bearer token for one request.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc that always yields the given token.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

// Remote is the wire representation of one entity as the server holds
// it: the server-assigned identifier, the server's updated_at (the
// optimistic-concurrency token), and the domain fields.
type Remote struct {
	ID        string
	UpdatedAt time.Time
	Fields    map[string]any
}

// envelope is the single response schema every endpoint uses. The core
// never needs runtime shape detection: data is a JSON object for single
// entities and a JSON array for collections.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client is the authenticated HTTP client for the finance API.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenFunc
	logger  *log.Logger
}

// New creates a Client for the API at baseURL.
//
// If httpClient is nil, a client with a 30-second timeout is used.
// If logger is nil, a default logger writing to stderr is used.
func New(baseURL string, token TokenFunc, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	if token == nil {
		token = StaticToken("")
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		token:   token,
		logger:  logger,
	}
}

// List fetches the full collection for a kind.
func (c *Client) List(ctx context.Context, kind model.Kind) ([]*Remote, error) {
	data, err := c.do(ctx, http.MethodGet, "/"+kind.Collection(), nil)
	if err != nil {
		return nil, err
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("api: malformed %s list response: %w", kind, err)
	}

	remotes := make([]*Remote, 0, len(raw))
	for _, fields := range raw {
		r, err := remoteFromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("api: malformed %s in list: %w", kind, err)
		}
		remotes = append(remotes, r)
	}
	return remotes, nil
}

// Get fetches a single entity, or ErrNotFound.
func (c *Client) Get(ctx context.Context, kind model.Kind, id string) (*Remote, error) {
	data, err := c.do(ctx, http.MethodGet, "/"+kind.Collection()+"/"+id, nil)
	if err != nil {
		return nil, err
	}
	return decodeRemote(kind, data)
}

// Create posts a new entity. The server assigns id and updated_at.
func (c *Client) Create(ctx context.Context, kind model.Kind, fields map[string]any) (*Remote, error) {
	data, err := c.do(ctx, http.MethodPost, "/"+kind.Collection(), fields)
	if err != nil {
		return nil, err
	}
	return decodeRemote(kind, data)
}

// Update replaces an entity's domain fields. The server stamps a fresh
// updated_at on success.
func (c *Client) Update(ctx context.Context, kind model.Kind, id string, fields map[string]any) (*Remote, error) {
	data, err := c.do(ctx, http.MethodPut, "/"+kind.Collection()+"/"+id, fields)
	if err != nil {
		return nil, err
	}
	return decodeRemote(kind, data)
}

// Delete removes an entity. Returns ErrNotFound when the server no
// longer holds it; callers treat that as the goal state being reached.
func (c *Client) Delete(ctx context.Context, kind model.Kind, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+kind.Collection()+"/"+id, nil)
	return err
}

// do performs one request and unwraps the response envelope.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("api: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("api: failed to obtain token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("api: failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("api: server error (%d) on %s %s", resp.StatusCode, method, path)
	case resp.StatusCode >= 400:
		return nil, &RejectionError{
			StatusCode: resp.StatusCode,
			Message:    envelopeMessage(raw),
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("api: malformed response envelope: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("api: request failed: %s", env.Message)
	}
	return env.Data, nil
}

// envelopeMessage extracts the server's message from an error body,
// tolerating bodies that are not an envelope at all.
func envelopeMessage(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Message != "" {
		return env.Message
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}

func decodeRemote(kind model.Kind, data json.RawMessage) (*Remote, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("api: malformed %s response: %w", kind, err)
	}
	r, err := remoteFromFields(fields)
	if err != nil {
		return nil, fmt.Errorf("api: malformed %s: %w", kind, err)
	}
	return r, nil
}

func remoteFromFields(fields map[string]any) (*Remote, error) {
	id, _ := fields["id"].(string)
	if id == "" {
		// Servers backed by integer keys send numbers.
		if n, ok := fields["id"].(float64); ok {
			id = fmt.Sprintf("%.0f", n)
		}
	}
	if id == "" {
		return nil, fmt.Errorf("entity has no id")
	}

	var updatedAt time.Time
	if s, ok := fields["updated_at"].(string); ok {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("entity %s has malformed updated_at %q", id, s)
		}
		updatedAt = t
	}

	return &Remote{ID: id, UpdatedAt: updatedAt, Fields: fields}, nil
}
