// Package authclient talks to the remote auth endpoint and classifies its failures.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
)

// DefaultTimeout bounds every request to the auth endpoint.
const DefaultTimeout = 30 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 1 << 20

// Endpoint paths.
const (
	PathLogin            = "/auth/login"
	PathRegister         = "/auth/register"
	PathUpdateCredential = "/auth/update-credential"
)

// Client is a JSON client for the remote auth endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	log     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// New constructs a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout}
	}
	return c
}

// Login submits credentials to /auth/login.
func (c *Client) Login(ctx context.Context, cr model.Credentials) (model.AuthResponse, error) {
	return c.post(ctx, PathLogin, cr, "")
}

// Register submits credentials to /auth/register.
func (c *Client) Register(ctx context.Context, cr model.Credentials) (model.AuthResponse, error) {
	return c.post(ctx, PathRegister, cr, "")
}

// Authenticate dispatches on mode.
func (c *Client) Authenticate(ctx context.Context, mode model.AuthMode, cr model.Credentials) (model.AuthResponse, error) {
	if mode == model.ModeRegister {
		return c.Register(ctx, cr)
	}
	return c.Login(ctx, cr)
}

// UpdateCredential changes the secret of the account identified by the bearer token.
func (c *Client) UpdateCredential(ctx context.Context, cr model.Credentials, bearer string) (model.AuthResponse, error) {
	if bearer == "" {
		return model.AuthResponse{}, &errs.AuthError{Stage: "endpoint", Message: "session token required"}
	}
	return c.post(ctx, PathUpdateCredential, cr, bearer)
}

func (c *Client) post(ctx context.Context, path string, cr model.Credentials, bearer string) (model.AuthResponse, error) {
	op := strings.TrimPrefix(path, "/")
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(cr)
	if err != nil {
		return model.AuthResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return model.AuthResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return model.AuthResponse{}, &errs.NetworkError{Op: op, Timeout: isTimeout(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return model.AuthResponse{}, &errs.NetworkError{Op: op, Timeout: isTimeout(ctx, err), Err: err}
	}
	c.log.Debug("auth request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.AuthResponse{}, classify(op, resp.StatusCode, resp.Header, raw)
	}

	var out model.AuthResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.AuthResponse{}, &errs.DecodeError{Op: op, Err: err}
	}
	if out.Token == "" {
		return model.AuthResponse{}, &errs.DecodeError{Op: op, Err: errors.New("missing token")}
	}
	return out, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify maps a non-2xx response onto the error taxonomy.
// A 429 is an account lockout; its remaining time comes from Retry-After.
func classify(op string, status int, h http.Header, body []byte) error {
	msg := ErrorMessage(status, body)
	if IsDeviceMismatch(msg) {
		return &errs.DeviceMismatchError{Message: msg}
	}
	if status == http.StatusTooManyRequests {
		return &errs.LockedError{Remaining: RetryAfter(h.Get("Retry-After"), time.Now())}
	}
	if status >= 500 || status == http.StatusRequestTimeout {
		return &errs.NetworkError{Op: op, Status: status, Err: errors.New(msg)}
	}
	return &errs.AuthError{Stage: "endpoint", Status: status, Message: msg}
}

// DefaultLockout is assumed when a 429 carries no usable Retry-After.
const DefaultLockout = 60 * time.Second

// RetryAfter parses a Retry-After value given in seconds or as an HTTP date.
func RetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultLockout
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return DefaultLockout
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return DefaultLockout
}

// ErrorMessage extracts a message from an error body: structured {message}, then plain text,
// then a generic message keyed by status.
func ErrorMessage(status int, body []byte) string {
	var structured struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &structured) == nil {
		if m := strings.TrimSpace(structured.Message); m != "" {
			return m
		}
		if m := strings.TrimSpace(structured.Error); m != "" {
			return m
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && !looksLikeJSON(text) {
		return text
	}
	return genericMessage(status)
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func genericMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Invalid request."
	case http.StatusUnauthorized:
		return "Invalid mobile number or password."
	case http.StatusForbidden:
		return "Access denied."
	case http.StatusNotFound:
		return "Account not found."
	case http.StatusConflict:
		return "An account with this mobile number already exists."
	case http.StatusTooManyRequests:
		return "Too many requests. Please wait and try again."
	default:
		if status >= 500 {
			return fmt.Sprintf("Server error (%d). Please try again later.", status)
		}
		return fmt.Sprintf("Request failed with status %d.", status)
	}
}

// IsDeviceMismatch reports whether msg mentions both "device" and "mismatch", case-insensitively.
func IsDeviceMismatch(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "device") && strings.Contains(m, "mismatch")
}
