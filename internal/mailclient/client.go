// Package mailclient is the external mail/reservation service client: it
// speaks JSON-RPC 2.0 over HTTP with a bearer token, the wire protocol the
// Reservation Client and Broadcast/Mail Router both depend on. Calls are
// wrapped in exponential backoff so a transient outage of the mail service
// doesn't immediately fail an operator-facing command.
package mailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/foreman-fleet/foreman/internal/ferrors"
)

// Client wraps the mail/reservation service's JSON-RPC 2.0 endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	nextID     atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client against baseURL (the MAIL_SERVER config value),
// authenticating with a bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// Call invokes tool with params, decoding the result into out (a pointer,
// or nil to discard). Transient HTTP/network failures are retried with
// exponential backoff; a well-formed JSON-RPC error response is not
// retried since it represents the server's considered answer.
func (c *Client) Call(ctx context.Context, tool string, params any, out any) error {
	id := c.nextID.Add(1)

	operation := func() (*rpcResponse, error) {
		reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: tool, Params: params})
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err // network error: retryable
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("mail service %s: %s", tool, resp.Status)
		}
		if resp.StatusCode >= 400 {
			return nil, backoff.Permanent(fmt.Errorf("mail service %s: %s: %s", tool, resp.Status, string(body)))
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(body, &rpcResp); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decoding %s response: %w", tool, err))
		}
		return &rpcResp, nil
	}

	rpcResp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4))
	if err != nil {
		return ferrors.Wrap(ferrors.TransientExternal, "mail service "+tool, err)
	}

	if rpcResp.Error != nil {
		return ferrors.Newf(ferrors.TransientExternal, "mail service %s: %s (code %d)", tool, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return ferrors.Wrap(ferrors.InvalidInput, "parsing "+tool+" result", err)
		}
	}
	return nil
}

// Resource fetches a resource:// URI via the service's resource-read tool
// ("read_resource"), the companion to Call for the spec's "Resources read"
// contract.
func (c *Client) Resource(ctx context.Context, uri string, out any) error {
	return c.Call(ctx, "read_resource", map[string]string{"uri": uri}, out)
}

// --- Tool-specific helpers per spec section 6 ---

func (c *Client) EnsureProject(ctx context.Context, projectKey string) error {
	return c.Call(ctx, "ensure_project", map[string]string{"project_key": projectKey}, nil)
}

func (c *Client) RegisterAgent(ctx context.Context, projectKey, agentName string) error {
	return c.Call(ctx, "register_agent", map[string]string{"project_key": projectKey, "agent_name": agentName}, nil)
}

// SendMessageParams mirrors the send_message tool's inputs.
type SendMessageParams struct {
	ProjectKey string `json:"project_key"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Importance string `json:"importance,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, p SendMessageParams) error {
	return c.Call(ctx, "send_message", p, nil)
}

// InboxMessage is one entry of fetch_inbox / fetch_inbox_product.
type InboxMessage struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (c *Client) FetchInbox(ctx context.Context, projectKey, agentName string) ([]InboxMessage, error) {
	var out struct {
		Messages []InboxMessage `json:"messages"`
	}
	err := c.Call(ctx, "fetch_inbox", map[string]string{"project_key": projectKey, "agent_name": agentName}, &out)
	return out.Messages, err
}

func (c *Client) FetchInboxProduct(ctx context.Context, productUID, agentName string) ([]InboxMessage, error) {
	var out struct {
		Messages []InboxMessage `json:"messages"`
	}
	err := c.Call(ctx, "fetch_inbox_product", map[string]string{"product_uid": productUID, "agent_name": agentName}, &out)
	return out.Messages, err
}

func (c *Client) DeleteMessages(ctx context.Context, ids []string) error {
	return c.Call(ctx, "delete_messages", map[string]any{"ids": ids}, nil)
}

// FileReservationParams mirrors file_reservation_paths' inputs.
type FileReservationParams struct {
	ProjectKey  string   `json:"project_key"`
	Agent       string   `json:"agent"`
	Paths       []string `json:"paths"`
	TTLSeconds  int      `json:"ttl_seconds"`
	Exclusive   bool     `json:"exclusive"`
	Reason      string   `json:"reason,omitempty"`
}

// ReservationConflict is one entry of a file_reservation_paths conflict
// response: an existing holder of an overlapping path.
type ReservationConflict struct {
	Holder  string `json:"holder"`
	Path    string `json:"path"`
	ResID   string `json:"reservation_id"`
}

// FileReservationResult reports the outcome of a reservation attempt.
type FileReservationResult struct {
	ReservationIDs []string              `json:"reservation_ids"`
	Conflicts      []ReservationConflict `json:"conflicts"`
	SelfConflicts  []ReservationConflict `json:"self_conflicts"`
}

func (c *Client) FileReservationPaths(ctx context.Context, p FileReservationParams) (*FileReservationResult, error) {
	var out FileReservationResult
	err := c.Call(ctx, "file_reservation_paths", p, &out)
	return &out, err
}

func (c *Client) ReleaseFileReservations(ctx context.Context, projectKey, agent string, ids, paths []string, all bool) ([]string, error) {
	var out struct {
		Released []string `json:"released_paths"`
	}
	err := c.Call(ctx, "release_file_reservations", map[string]any{
		"project_key": projectKey, "agent": agent, "ids": ids, "paths": paths, "all": all,
	}, &out)
	return out.Released, err
}

func (c *Client) RenewFileReservations(ctx context.Context, projectKey, agent string, ids []string, extendSeconds int) error {
	return c.Call(ctx, "renew_file_reservations", map[string]any{
		"project_key": projectKey, "agent": agent, "ids": ids, "extend_seconds": extendSeconds,
	}, nil)
}
