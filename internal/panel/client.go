// Package panel talks to the 3x-ui management API.
package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInboundNotFound is returned when no inbound listens on the configured port.
var ErrInboundNotFound = errors.New("panel: inbound not found")

// APIError is a request the panel answered but did not accept.
type APIError struct {
	Op     string
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("panel: %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("panel: %s: status %d: %s", e.Op, e.Status, e.Msg)
}

// NewClientUUID mints a random client identifier.
func NewClientUUID() string {
	return uuid.NewString()
}

// ValidUUID reports whether s is a well-formed client identifier.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Config holds the connection settings.
type Config struct {
	URL                string
	Username           string
	Password           string
	InboundPort        int
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// API is a session-holding client of the management API. It logs in lazily and logs in
// again once when the panel reports an expired session.
type API struct {
	base     string
	username string
	password string
	port     int
	http     *http.Client
	logger   *slog.Logger

	mu       sync.Mutex
	loggedIn bool
}

// New creates an API client. The session cookie lives in a private jar.
func New(cfg Config, logger *slog.Logger) (*API, error) {
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("panel: parsing url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("panel: creating cookie jar: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // panels commonly run self-signed certificates
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &API{
		base:     strings.TrimSuffix(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		port:     cfg.InboundPort,
		http:     &http.Client{Timeout: timeout, Jar: jar, Transport: transport},
		logger:   logger,
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login opens a new session.
func (c *API) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *API) loginLocked(ctx context.Context) error {
	c.loggedIn = false
	env, status, err := c.send(ctx, http.MethodPost, "/login", loginRequest{Username: c.username, Password: c.password})
	if err != nil {
		return fmt.Errorf("panel: login: %w", err)
	}
	if status != http.StatusOK || !env.Success {
		return &APIError{Op: "login", Status: status, Msg: env.Msg}
	}
	c.loggedIn = true
	c.logger.Debug("panel: logged in", "url", c.base)
	return nil
}

// call performs an authenticated request and decodes obj into out when
// out is non-nil.
func (c *API) call(ctx context.Context, op, method, path string, body, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loggedIn {
		if err := c.loginLocked(ctx); err != nil {
			return err
		}
	}

	env, status, err := c.send(ctx, method, path, body)
	if err == nil && sessionExpired(env, status) {
		c.logger.Debug("panel: session expired, logging in again", "op", op)
		if err := c.loginLocked(ctx); err != nil {
			return err
		}
		env, status, err = c.send(ctx, method, path, body)
	}
	if err != nil {
		return fmt.Errorf("panel: %s: %w", op, err)
	}
	if status != http.StatusOK || !env.Success {
		return &APIError{Op: op, Status: status, Msg: env.Msg}
	}
	if out != nil && len(env.Obj) > 0 {
		if err := json.Unmarshal(env.Obj, out); err != nil {
			return fmt.Errorf("panel: %s: decoding obj: %w", op, err)
		}
	}
	return nil
}

func sessionExpired(env *envelope, status int) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	return !env.Success && strings.Contains(strings.ToLower(env.Msg), "login")
}

func (c *API) send(ctx context.Context, method, path string, body any) (*envelope, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	env := &envelope{}
	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(respBody, env); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("parsing response: %w", err)
		}
	} else {
		env.Msg = strings.TrimSpace(string(respBody))
	}
	return env, resp.StatusCode, nil
}

// Inbounds lists every inbound.
func (c *API) Inbounds(ctx context.Context) ([]Inbound, error) {
	var inbounds []Inbound
	if err := c.call(ctx, "list inbounds", http.MethodGet, "/panel/api/inbounds/list", nil, &inbounds); err != nil {
		return nil, err
	}
	return inbounds, nil
}

// Inbound returns the inbound on the configured port.
func (c *API) Inbound(ctx context.Context) (*Inbound, error) {
	inbounds, err := c.Inbounds(ctx)
	if err != nil {
		return nil, err
	}
	for i := range inbounds {
		if inbounds[i].Port == c.port {
			return &inbounds[i], nil
		}
	}
	return nil, fmt.Errorf("%w on port %d", ErrInboundNotFound, c.port)
}

type clientRequest struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

func newClientRequest(inboundID int, cl Client) (clientRequest, error) {
	settings, err := json.Marshal(inboundSettings{Clients: []Client{cl}})
	if err != nil {
		return clientRequest{}, fmt.Errorf("panel: marshaling client: %w", err)
	}
	return clientRequest{ID: inboundID, Settings: string(settings)}, nil
}

// AddClient adds cl to the inbound.
func (c *API) AddClient(ctx context.Context, inboundID int, cl Client) error {
	req, err := newClientRequest(inboundID, cl)
	if err != nil {
		return err
	}
	return c.call(ctx, "add client", http.MethodPost, "/panel/api/inbounds/addClient", req, nil)
}

// UpdateClient replaces the client currently identified by oldUUID with
// cl. cl.ID may differ from oldUUID; the panel keeps the statistics row
// because it is keyed by label.
func (c *API) UpdateClient(ctx context.Context, inboundID int, oldUUID string, cl Client) error {
	req, err := newClientRequest(inboundID, cl)
	if err != nil {
		return err
	}
	path := "/panel/api/inbounds/updateClient/" + url.PathEscape(oldUUID)
	return c.call(ctx, "update client", http.MethodPost, path, req, nil)
}

// RemoveClient deletes the client with the given identifier.
func (c *API) RemoveClient(ctx context.Context, inboundID int, clientUUID string) error {
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inboundID, url.PathEscape(clientUUID))
	return c.call(ctx, "remove client", http.MethodPost, path, nil, nil)
}

// ResetClientTraffic zeroes the panel's counters for a label.
func (c *API) ResetClientTraffic(ctx context.Context, inboundID int, email string) error {
	path := fmt.Sprintf("/panel/api/inbounds/resetClientTraffic/%d/%s", inboundID, url.PathEscape(email))
	return c.call(ctx, "reset client traffic", http.MethodPost, path, nil, nil)
}
