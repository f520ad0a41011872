package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/cory-johannsen/skirmish/internal/game/session"
)

// APIClient issues JSON requests against a test HTTP server on behalf of an actor.
type APIClient struct {
	t      *testing.T
	base   string
	client *http.Client
}

// NewAPIClient creates an APIClient for the server at baseURL.
func NewAPIClient(t *testing.T, baseURL string) *APIClient {
	t.Helper()
	return &APIClient{t: t, base: baseURL, client: &http.Client{Timeout: 5 * time.Second}}
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the body into v, failing the test on error.
func (r Response) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		t.Fatalf("decoding response %q: %v", r.Body, err)
	}
}

// Do sends method to path with body encoded as JSON. A zero actor sends no identity headers.
//
// Postcondition: Returns the status and body, or fails the test on transport errors.
func (c *APIClient) Do(method, path string, actor session.Actor, body any) Response {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("encoding request: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		c.t.Fatalf("building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor.UserID != "" {
		actor.SetHeader(req.Header)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("reading response: %v", err)
	}
	return Response{Status: resp.StatusCode, Body: data}
}
