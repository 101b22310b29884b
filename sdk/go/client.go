package promptlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Promptline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Assignment is a leased item. Available is false when the pool is exhausted
// for the caller.
type Assignment struct {
	Available  bool           `json:"available"`
	ItemID     string         `json:"item_id"`
	Title      string         `json:"title"`
	Prompt     string         `json:"prompt"`
	Payload    map[string]any `json:"payload,omitempty"`
	LeaseToken string         `json:"lease_token"`
	ExpiresAt  string         `json:"expires_at"`
}

type Submission struct {
	ItemID     string `json:"item_id"`
	Model      string `json:"model"`
	UserID     string `json:"user_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Response   string `json:"response_text"`
	LeaseToken string `json:"lease_token,omitempty"`
}

type Diff struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

// SubmissionResult reports whether a response was stored. Rejections carry
// a Reason of invalid, duplicate or no_lease.
type SubmissionResult struct {
	Accepted       bool    `json:"accepted"`
	UUID           string  `json:"uuid"`
	ItemID         string  `json:"item_id"`
	Model          string  `json:"model"`
	WordCount      int     `json:"word_count"`
	SentenceCount  int     `json:"sentence_count"`
	CharacterCount int     `json:"character_count"`
	Timestamp      string  `json:"timestamp"`
	Reason         string  `json:"reason"`
	Message        string  `json:"message"`
	Field          string  `json:"field"`
	Similarity     float64 `json:"similarity"`
	Diff           *Diff   `json:"diff,omitempty"`
}

type ModelCount struct {
	Model string `json:"model"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

type UserStats struct {
	UserID string       `json:"user_id"`
	Models []ModelCount `json:"models"`
	Total  int          `json:"total"`
}

type Contributor struct {
	Username string         `json:"username"`
	Counts   map[string]int `json:"counts"`
	Total    int            `json:"total"`
}

type Summary struct {
	GeneratedAt  string        `json:"generated_at"`
	Total        int           `json:"total"`
	Models       []ModelCount  `json:"models"`
	Contributors []Contributor `json:"contributors"`
	Dates        []string      `json:"dates"`
	Daily        []struct {
		Username string `json:"username"`
		Counts   []int  `json:"counts"`
	} `json:"daily"`
}

// ReclaimResult summarises a reclaim pass.
type ReclaimResult struct {
	StartedAt string            `json:"started_at"`
	Duration  string            `json:"duration"`
	Removed   map[string]int    `json:"removed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Total     int               `json:"total"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// NextItem leases the next item for model.
func (c *Client) NextItem(ctx context.Context, model string) (Assignment, error) {
	var resp Assignment
	endpoint := "next-item?model=" + url.QueryEscape(model)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Submit sends a response. A rejected submission is not an error; check
// Accepted on the result.
func (c *Client) Submit(ctx context.Context, s Submission) (SubmissionResult, error) {
	var resp SubmissionResult
	err := c.do(ctx, http.MethodPost, "submissions", s, &resp)
	return resp, err
}

// MyStats returns the caller's submission counts.
func (c *Client) MyStats(ctx context.Context) (UserStats, error) {
	var resp UserStats
	err := c.do(ctx, http.MethodGet, "me/stats", nil, &resp)
	return resp, err
}

// Stats returns the admin summary.
func (c *Client) Stats(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// Reclaim runs a reclaim pass on the server.
func (c *Client) Reclaim(ctx context.Context) (ReclaimResult, error) {
	var resp ReclaimResult
	err := c.do(ctx, http.MethodPost, "reclaim", nil, &resp)
	return resp, err
}

// Export streams a model's submission log into w.
func (c *Client) Export(ctx context.Context, model string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "export/"+url.PathEscape(model), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
