package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL points at the admin API of a local redeployr.
const DefaultBaseURL = "http://localhost:8080/_redeployr"

// Client talks to the admin API of a running redeployr.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // bearer token sent with admin requests
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a client. Restart and Hook may block for the whole pull and
// build, so Timeout should cover the configured build timeout.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the supervisor answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("redeployr unreachable", "error", err)
		return false
	}
	return true
}

// Health fetches {base}/healthz. It needs no token.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Status lists every worker. withUsage asks the server to sample CPU and RSS.
func (c *Client) Status(ctx context.Context, withUsage bool) (*Status, error) {
	path := "/status"
	if withUsage {
		path += "?usage=1"
	}
	var st Status
	if err := c.getJSON(ctx, path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Worker fetches the status of one worker.
func (c *Client) Worker(ctx context.Context, name string) (*WorkerStatus, error) {
	var ws WorkerStatus
	if err := c.getJSON(ctx, "/status/"+url.PathEscape(name), &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// Deployments returns up to limit recent attempts, newest first. A limit of
// zero returns everything the server keeps.
func (c *Client) Deployments(ctx context.Context, limit int) ([]Deployment, error) {
	var out []Deployment
	if err := c.getJSON(ctx, "/deployments?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Restart asks the server to restart every worker without pulling. The
// result is returned alongside a StatusError when the server refused, for
// example with 409 while a deploy is in flight.
func (c *Client) Restart(ctx context.Context) (*HookResult, error) {
	return c.postHook(ctx, "/restart", nil, nil)
}

// Redeploy posts a manual restart token to the webhook endpoint, which runs
// the full pull, build and restart pipeline.
func (c *Client) Redeploy(ctx context.Context, restartToken string) (*HookResult, error) {
	body, err := json.Marshal(map[string]string{"restart_token": restartToken})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.postHook(ctx, "/hook", body, nil)
}

// Deliver posts a raw webhook payload with the given headers, as a hosting
// service would.
func (c *Client) Deliver(ctx context.Context, payload []byte, headers http.Header) (*HookResult, error) {
	return c.postHook(ctx, "/hook", payload, headers)
}

func (c *Client) postHook(ctx context.Context, path string, body []byte, headers http.Header) (*HookResult, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body, headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var res HookResult
	if jerr := json.Unmarshal(data, &res); jerr != nil || res.Outcome == "" {
		return nil, c.statusError(resp.StatusCode, data)
	}
	if resp.StatusCode != http.StatusOK {
		msg := res.Message
		if msg == "" {
			msg = res.Outcome
		}
		return &res, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return &res, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return c.statusError(resp.StatusCode, data)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do performs an HTTP request with common error handling
func (c *Client) do(ctx context.Context, method, path string, body []byte, headers http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) statusError(code int, data []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		c.logger.Debug("API request failed", "status", code)
		return &StatusError{Code: code}
	}
	msg := er.Error
	if er.Message != "" {
		msg += ": " + er.Message
	}
	c.logger.Debug("API request failed", "error", msg, "status", code)
	return &StatusError{Code: code, Message: msg}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}
