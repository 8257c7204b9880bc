// Package rest provides the HTTP side of the chat API: historical chunk
// catch-up, dialog creation, message submission, and approval decisions.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fleetglass/chatsync-go/chatsync"
)

// Client provides REST access to the chat API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     chatsync.Logger
}

// NewClient creates a REST client. baseURL is the API origin, e.g.
// "https://console.example.com".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		logger:  nil,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// SetToken sets the bearer token for authenticated requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// SetLogger overrides the logger (optional).
func (c *Client) SetLogger(l chatsync.Logger) {
	c.logger = l
}

// FetchChunks retrieves historical chunks for one dialog stream; its
// signature satisfies chatsync.FetchFunc. A non-success status is logged
// and yields an empty slice, not an error, so catch-up degrades to
// "no history" instead of blocking live chunks.
func (c *Client) FetchChunks(ctx context.Context, dialogID string, tag chatsync.MessageTypeTag, fromSequenceID *int64) ([]chatsync.Chunk, error) {
	path := fmt.Sprintf("/chat/api/v1/dialogs/%s/chunks?chatType=%s", url.PathEscape(dialogID), url.QueryEscape(string(tag)))
	if fromSequenceID != nil {
		path += "&fromSequenceId=" + strconv.FormatInt(*fromSequenceID, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, chatsync.WrapError(chatsync.ErrorFetch, "fetch chunks", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.warn("chunk fetch returned non-success status", map[string]any{
			"dialogId": dialogID,
			"chatType": string(tag),
			"status":   resp.StatusCode,
		})
		return []chatsync.Chunk{}, nil
	}

	var chunks []chatsync.Chunk
	if err := json.NewDecoder(resp.Body).Decode(&chunks); err != nil {
		return nil, chatsync.WrapError(chatsync.ErrorFetch, "decode chunks", err)
	}
	return chunks, nil
}

// CreateDialog opens a new conversation and returns its id.
func (c *Client) CreateDialog(ctx context.Context) (string, error) {
	var resp DialogCreatedResponse
	if err := c.post(ctx, "/chat/api/v1/dialogs", nil, &resp); err != nil {
		return "", err
	}
	return resp.DialogID, nil
}

// SendMessage submits a user prompt for processing.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) error {
	return c.post(ctx, "/chat/api/v1/messages", req, nil)
}

// AnswerApproval approves or rejects a pending approval request.
func (c *Client) AnswerApproval(ctx context.Context, requestID string, approve bool) error {
	path := fmt.Sprintf("/chat/api/v1/approval-requests/%s/approve", url.PathEscape(requestID))
	return c.post(ctx, path, ApprovalDecision{Approve: approve}, nil)
}

// AIConfiguration fetches the active model configuration.
func (c *Client) AIConfiguration(ctx context.Context) (*AIConfiguration, error) {
	var resp AIConfiguration
	if err := c.get(ctx, "/chat/api/v1/ai-configuration", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Helper methods

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	return c.do(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)
	return c.do(req, dest)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("api error (status %d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("http error: %s (status %d)", string(body), resp.StatusCode)
	}

	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) warn(msg string, fields map[string]any) {
	if c.logger != nil {
		c.logger.Warn(msg, fields)
	}
}
