// Package novapilot provides a thin Go client for the NovaPilot REST API.
package novapilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the NovaPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// GoalRequest is the payload accepted by the goal creation endpoint.
type GoalRequest struct {
	Description string         `json:"description"`
	Priority    string         `json:"priority,omitempty"`
	TemplateID  string         `json:"template_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Task mirrors the task representation returned by the server.
type Task struct {
	ID          string         `json:"id"`
	GoalID      string         `json:"goal_id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	Result      map[string]any `json:"result,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// Goal mirrors the goal representation returned by the server.
type Goal struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	Category    string         `json:"category,omitempty"`
	Tasks       []Task         `json:"tasks"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
	CompletedAt int64          `json:"completed_at,omitempty"`
}

// Milestone is one phase of a goal's progress report.
type Milestone struct {
	Name      string   `json:"name"`
	TaskIDs   []string `json:"task_ids"`
	Completed bool     `json:"completed"`
}

// Progress is the goal progress report returned by the server.
type Progress struct {
	Completed   int         `json:"completed"`
	Total       int         `json:"total"`
	SuccessRate float64     `json:"success_rate"`
	Milestones  []Milestone `json:"milestones"`
	Blockers    []string    `json:"blockers,omitempty"`
}

// Status is the agent-wide runtime snapshot.
type Status struct {
	Goals        map[string]any   `json:"goals"`
	Capabilities []map[string]any `json:"capabilities"`
	Trend        string           `json:"trend"`
	RecentErrors int              `json:"recent_errors"`
	Autonomy     string           `json:"autonomy"`
	Preferences  map[string]any   `json:"preferences"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("novapilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("novapilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the NovaPilot API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey stores the API key attached to subsequent requests.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the currently stored API key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// CreateGoal submits a new goal.
func (c *Client) CreateGoal(ctx context.Context, req GoalRequest) (Goal, error) {
	var g Goal
	if err := c.post(ctx, "/api/v1/goals", req, &g); err != nil {
		return Goal{}, err
	}
	return g, nil
}

// GetGoal fetches a goal by identifier, including archived goals.
func (c *Client) GetGoal(ctx context.Context, goalID string) (Goal, error) {
	var g Goal
	if err := c.get(ctx, "/api/v1/goals/"+url.PathEscape(goalID), &g); err != nil {
		return Goal{}, err
	}
	return g, nil
}

// ListGoals fetches goals matching the given status, empty status means all.
func (c *Client) ListGoals(ctx context.Context, status string, limit int) ([]Goal, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "/api/v1/goals"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var goals []Goal
	if err := c.get(ctx, endpoint, &goals); err != nil {
		return nil, err
	}
	return goals, nil
}

// ExecuteGoal drives a goal to a terminal state and returns the final view.
func (c *Client) ExecuteGoal(ctx context.Context, goalID string, timeout time.Duration) (Goal, error) {
	endpoint := "/api/v1/goals/" + url.PathEscape(goalID) + "/execute"
	if timeout > 0 {
		endpoint += "?timeout_ms=" + strconv.FormatInt(timeout.Milliseconds(), 10)
	}
	var g Goal
	if err := c.post(ctx, endpoint, nil, &g); err != nil {
		return Goal{}, err
	}
	return g, nil
}

// GetProgress fetches a goal's progress report.
func (c *Client) GetProgress(ctx context.Context, goalID string) (Progress, error) {
	var progress Progress
	if err := c.get(ctx, "/api/v1/goals/"+url.PathEscape(goalID)+"/progress", &progress); err != nil {
		return Progress{}, err
	}
	return progress, nil
}

// GetStatus fetches the agent runtime snapshot.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	var status Status
	if err := c.get(ctx, "/api/v1/status", &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// UpdatePreferences merges user preferences and returns the resulting set.
func (c *Client) UpdatePreferences(ctx context.Context, prefs map[string]any) (map[string]any, error) {
	var merged map[string]any
	if err := c.put(ctx, "/api/v1/preferences", prefs, &merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	return c.send(ctx, http.MethodPost, endpoint, payload, out)
}

func (c *Client) put(ctx context.Context, endpoint string, payload any, out any) error {
	return c.send(ctx, http.MethodPut, endpoint, payload, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("read error response: %w", readErr)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
