package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"nhbwallet/core/types"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 8 << 20

	// HeaderRequestID correlates client logs with node logs.
	HeaderRequestID = "X-Request-ID"
)

// Config configures the node REST client.
type Config struct {
	// Address is the node base URL; http:// is assumed when no scheme is given.
	Address string
	// UseHTTPSForPost upgrades submissions to https while queries keep the
	// configured scheme.
	UseHTTPSForPost bool
	// EnableDebug logs request and response bodies at debug level.
	EnableDebug       bool
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client talks to a node over its REST API.
type Client struct {
	base       *url.URL
	postBase   *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	debug      bool
	logger     *slog.Logger
}

// New constructs a client for cfg.Address.
func New(cfg Config) (*Client, error) {
	base, err := parseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	postBase := base
	if cfg.UseHTTPSForPost {
		upgraded := *base
		upgraded.Scheme = "https"
		postBase = &upgraded
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:       base,
		postBase:   postBase,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		debug:      cfg.EnableDebug,
		logger:     logger.With("component", "backend", "node", base.String()),
	}, nil
}

func parseAddress(address string) (*url.URL, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(address), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("backend: address required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid address %q: %w", address, err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("backend: address %q has no host", address)
	}
	return parsed, nil
}

// Address returns the normalised node base URL.
func (c *Client) Address() string {
	return c.base.String()
}

// Settings fetches the chain parameters.
func (c *Client) Settings(ctx context.Context) (types.Settings, error) {
	var settings types.Settings
	err := c.getJSON(ctx, "settings", "/api/v0/settings", &settings)
	return settings, err
}

// AccountState fetches the remote view of an account.
func (c *Client) AccountState(ctx context.Context, account types.AccountID) (types.AccountState, error) {
	var state types.AccountState
	err := c.getJSON(ctx, "account", "/api/v0/account/"+account.String(), &state)
	return state, err
}

// SubmitFragment posts one encoded fragment and returns the id the node assigned.
func (c *Client) SubmitFragment(ctx context.Context, raw []byte) (types.FragmentID, error) {
	const op = "submit fragment"
	body, err := c.do(ctx, op, http.MethodPost, "/api/v0/message", "application/octet-stream", raw)
	if err != nil {
		return types.FragmentID{}, err
	}
	id, err := types.ParseFragmentID(strings.Trim(string(body), "\" \n\r\t"))
	if err != nil {
		return types.FragmentID{}, &Error{Op: op, Err: err}
	}
	return id, nil
}

type batchRequest struct {
	FailFast  bool     `json:"fail_fast"`
	Fragments []string `json:"fragments"`
}

type batchResponse struct {
	Accepted []types.FragmentID `json:"accepted"`
	Rejected []RejectedFragment `json:"rejected"`
}

// SubmitFragments posts a batch. Any refused member turns the call into a
// *BatchError; on success the ids follow the input order.
func (c *Client) SubmitFragments(ctx context.Context, raws [][]byte, failFast bool) ([]types.FragmentID, error) {
	const op = "submit fragments"
	req := batchRequest{FailFast: failFast, Fragments: make([]string, len(raws))}
	for i, raw := range raws {
		req.Fragments[i] = hex.EncodeToString(raw)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, op, http.MethodPost, "/api/v0/fragments", "application/json", payload)
	if err != nil {
		return nil, err
	}
	var resp batchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(resp.Rejected) > 0 {
		return nil, &BatchError{Accepted: resp.Accepted, Rejected: resp.Rejected}
	}
	if len(resp.Accepted) != len(raws) {
		return nil, &Error{Op: op, Err: fmt.Errorf("node accepted %d of %d fragments", len(resp.Accepted), len(raws))}
	}
	return resp.Accepted, nil
}

// FragmentLogs returns the node's fragment log keyed by fragment id.
func (c *Client) FragmentLogs(ctx context.Context) (map[types.FragmentID]types.FragmentLog, error) {
	var logs []types.FragmentLog
	if err := c.getJSON(ctx, "fragment logs", "/api/v0/fragment/logs", &logs); err != nil {
		return nil, err
	}
	out := make(map[types.FragmentID]types.FragmentLog, len(logs))
	for _, entry := range logs {
		out[entry.ID] = entry
	}
	return out, nil
}

// Proposals lists the governance proposals open for voting.
func (c *Client) Proposals(ctx context.Context) ([]types.Proposal, error) {
	var proposals []types.Proposal
	err := c.getJSON(ctx, "proposals", "/api/v0/proposals", &proposals)
	return proposals, err
}

// VoteStatuses lists the votes the account has cast per vote plan.
func (c *Client) VoteStatuses(ctx context.Context, account types.AccountID) ([]types.VoteStatus, error) {
	var statuses []types.VoteStatus
	err := c.getJSON(ctx, "vote statuses", "/api/v1/votes/plan/account-votes/"+account.String(), &statuses)
	return statuses, err
}

func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	body, err := c.do(ctx, op, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path, contentType string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	base := c.base
	if method == http.MethodPost {
		base = c.postBase
	}
	endpoint := base.JoinPath(path).String()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set(HeaderRequestID, requestID)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.debug {
		c.logger.Debug("node request", "op", op, "method", method, "url", endpoint, "request_id", requestID, "bytes", len(payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Transport: true, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Op: op, Status: resp.StatusCode, Transport: true, Err: err}
	}
	if c.debug {
		c.logger.Debug("node response", "op", op, "status", resp.StatusCode, "request_id", requestID, "body", string(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(op, resp.StatusCode, body)
	}
	return body, nil
}

// IsTemporary reports whether err carries a transient node failure.
func IsTemporary(err error) bool {
	var temp interface{ Temporary() bool }
	return errors.As(err, &temp) && temp.Temporary()
}
