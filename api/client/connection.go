package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/imgd-io/imgd/api"
)

const (
	// DefaultPort imgd port to connect with.
	DefaultPort      = 7858
	DefaultUserAgent = "imgd-client-golang"
)

// Connection is a thread-safe client for one peer imgd instance. It is
// shared by a federation driver and all of its shadow records.
type Connection struct {
	client        *http.Client
	defaultHeader http.Header
	hostURL       string
}

// NewConnection creates a new connection with a base URL set up to talk
// to http://localhost:defaultport.
func NewConnection() *Connection {
	return NewConnectionTo(fmt.Sprintf("http://localhost:%d", DefaultPort))
}

// NewConnectionTo creates a new connection with a base URL derived from
// the hostURL argument.
func NewConnectionTo(hostURL string) *Connection {
	h := http.Header{
		"Accept":     []string{api.MediaTypeJSON},
		"User-Agent": []string{DefaultUserAgent},
	}
	return &Connection{
		client:        &http.Client{},
		defaultHeader: h,
		hostURL:       hostURL,
	}
}

// ClientHostURL allows us to print the host in log messages and internal
// error messages.
func (c *Connection) ClientHostURL() string {
	return c.hostURL
}

func (c *Connection) SetUserAgent(useragent string) {
	c.defaultHeader.Set("User-Agent", useragent)
}

func (c *Connection) request(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.hostURL+path, rd)
	if err != nil {
		return nil, err
	}
	for key, val := range c.defaultHeader {
		req.Header[key] = val
	}
	if body != nil {
		req.Header.Set("Content-Type", api.MediaTypeJSON)
	}
	return req, nil
}

func (c *Connection) do(req *http.Request) (*http.Response, error) {
	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, parseError(res)
	}
	return res, nil
}

func (c *Connection) postAndUnmarshal(ctx context.Context, path string, body, out interface{}) error {
	req, err := c.request(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	res, err := c.do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	// A peer reports protocol failures in-band as {error_id: ...}.
	var apierr api.Error
	if err := json.Unmarshal(raw, &apierr); err == nil && apierr.ErrorID != "" {
		return &apierr
	}
	return json.Unmarshal(raw, out)
}

// parseError parses an error from an http.Response with an error status
// code.
func parseError(r *http.Response) error {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	resErr := &ErrorResponse{Response: r}
	var apierr api.Error
	if json.Unmarshal(body, &apierr) == nil && apierr.ErrorID != "" {
		resErr.Err = &apierr
	} else {
		resErr.Err = errors.New(string(body))
	}
	return resErr
}

// Ping checks that the peer is up and measures the round trip.
func (c *Connection) Ping(ctx context.Context) (time.Duration, error) {
	req, err := c.request(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	res, err := c.do(req)
	if err != nil {
		return 0, err
	}
	res.Body.Close()
	return time.Since(start), nil
}

// Version retrieves the version string from the peer.
func (c *Connection) Version(ctx context.Context) (string, error) {
	req, err := c.request(ctx, http.MethodGet, "/version", nil)
	if err != nil {
		return "", err
	}
	res, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	var v api.VersionResponse
	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// SessionNew establishes a session with the peer.
func (c *Connection) SessionNew(ctx context.Context) (api.SessionNewResponse, error) {
	var res api.SessionNewResponse
	err := c.postAndUnmarshal(ctx, "/session/new", struct{}{}, &res)
	return res, err
}

// BackendsList asks the peer for the state of its worker pool.
func (c *Connection) BackendsList(ctx context.Context, sessionID string) (api.BackendsListResponse, error) {
	var res api.BackendsListResponse
	err := c.postAndUnmarshal(ctx, "/backends/list", api.BackendsListRequest{SessionID: sessionID}, &res)
	return res, err
}

// Generate runs one synchronous generation on the peer.
func (c *Connection) Generate(ctx context.Context, greq api.GenerateRequest) (api.GenerateResponse, error) {
	var res api.GenerateResponse
	err := c.postAndUnmarshal(ctx, "/generate", greq, &res)
	return res, err
}

// GenerateStream starts a streaming generation on the peer and returns
// the frame stream. The caller owns the stream and must close it.
func (c *Connection) GenerateStream(ctx context.Context, greq api.GenerateRequest) (*Stream, error) {
	req, err := c.request(ctx, http.MethodPost, "/generate/stream", greq)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", api.MediaTypeNDJSON)
	res, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return NewStream(res.Body), nil
}

// IsInvalidSession reports whether err is the peer telling us our
// session token is no longer valid.
func IsInvalidSession(err error) bool {
	var apierr *api.Error
	return errors.As(err, &apierr) && apierr.ErrorID == api.ErrorIDInvalidSession
}

type ErrorResponse struct {
	*http.Response
	Err error
}

func (e *ErrorResponse) Unwrap() error {
	return e.Err
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("status code %d: %v", e.StatusCode, e.Err)
}
