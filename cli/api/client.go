package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrDeferred is returned by Deploy when the agent queued the deployment
// behind the one in progress.
var ErrDeferred = errors.New("deployment deferred")

// HTTPError is a non-2xx answer from the agent.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Conflict reports whether the agent refused because a deployment or
// lock holder is busy.
func (e *HTTPError) Conflict() bool { return e.StatusCode == http.StatusConflict }

type Client struct {
	BaseURL string
	Token   string
	// HTTPClient serves short calls. DeployClient serves synchronous
	// deployments and has no timeout.
	HTTPClient   *http.Client
	DeployClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		DeployClient: &http.Client{},
	}
}

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

type HealthStatus struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Clients  int             `json:"clients"`
	Services []ServiceHealth `json:"services"`
}

type Deployment struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	StatusText   string     `json:"statusText"`
	Message      string     `json:"message"`
	Author       string     `json:"author"`
	Deployer     string     `json:"deployer"`
	Progress     string     `json:"progress"`
	ReceivedTime time.Time  `json:"receivedTime"`
	StartTime    *time.Time `json:"startTime"`
	EndTime      *time.Time `json:"endTime"`
	Complete     bool       `json:"complete"`
	IsTemp       bool       `json:"isTemp"`
	IsReadOnly   bool       `json:"isReadOnly"`
	Active       bool       `json:"active"`
}

// Duration is how long the deployment ran, or zero when it has not
// finished.
func (d Deployment) Duration() time.Duration {
	if d.StartTime == nil || d.EndTime == nil {
		return 0
	}
	return d.EndTime.Sub(*d.StartTime)
}

type LogEntry struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
}

type DeployRequest struct {
	RepoURL  string `json:"repoUrl,omitempty"`
	Branch   string `json:"branch,omitempty"`
	CommitID string `json:"commitId,omitempty"`
	Deployer string `json:"deployer,omitempty"`
	Clean    bool   `json:"clean,omitempty"`
	Async    bool   `json:"async,omitempty"`
}

type LockInfo struct {
	HeldByWorker string    `json:"heldByWorker"`
	LockExpiry   time.Time `json:"lockExpiry"`
	HeldByPID    int       `json:"heldByPID"`
	HeldByOp     string    `json:"heldByOp"`
	AcquiredAt   time.Time `json:"acquiredAt"`
}

type LockStatus struct {
	Name  string    `json:"name"`
	State string    `json:"state"`
	Info  *LockInfo `json:"info,omitempty"`
}

type IsDeploying struct {
	Value   bool `json:"value"`
	Pending bool `json:"pending"`
}

type Hook struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Event       string    `json:"event"`
	InsecureSSL bool      `json:"insecureSsl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastStatus  string    `json:"lastStatus,omitempty"`
}

type Job struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Paused   bool       `json:"paused"`
	NextRun  *time.Time `json:"nextRun"`
	LastRun  *time.Time `json:"lastRun"`
	LastErr  string     `json:"lastError"`
}

func (c *Client) Health() (*HealthStatus, error) {
	var h HealthStatus
	if err := c.get("/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Version() (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.get("/api/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

func (c *Client) ListDeployments() ([]Deployment, error) {
	var out []Deployment
	if err := c.get("/api/deployments", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetDeployment(id string) (*Deployment, error) {
	var d Deployment
	if err := c.get("/api/deployments/"+url.PathEscape(id), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) DeploymentLog(id string) ([]LogEntry, error) {
	var entries []LogEntry
	if err := c.get("/api/deployments/"+url.PathEscape(id)+"/log", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Deploy asks the agent to fetch and deploy. Unless req.Async is set it
// blocks until the deployment finishes. A failed deployment returns its
// record together with the error.
func (c *Client) Deploy(req DeployRequest) (*Deployment, error) {
	body, _ := json.Marshal(req)
	httpClient := c.DeployClient
	if req.Async || httpClient == nil {
		httpClient = c.HTTPClient
	}
	resp, err := c.send(httpClient, http.MethodPost, "/api/deployments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var d Deployment
	switch {
	case resp.StatusCode == http.StatusAccepted:
		var accepted struct {
			Status string `json:"status"`
			ID     string `json:"id"`
		}
		json.Unmarshal(data, &accepted)
		if accepted.Status == "deferred" {
			return nil, ErrDeferred
		}
		return &Deployment{ID: accepted.ID, Status: "pending"}, nil
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return &d, nil
	default:
		herr := &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
		if json.Unmarshal(data, &d) == nil && d.ID != "" {
			return &d, herr
		}
		return nil, herr
	}
}

// Redeploy runs the deployment id again and waits for it.
func (c *Client) Redeploy(id string, clean bool) (*Deployment, error) {
	body := "{}"
	if clean {
		body = `{"clean":true}`
	}
	resp, err := c.send(c.DeployClient, http.MethodPut, "/api/deployments/"+url.PathEscape(id), strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var d Deployment
	if resp.StatusCode == http.StatusAccepted {
		return nil, ErrDeferred
	}
	if resp.StatusCode >= 400 {
		herr := &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
		if json.Unmarshal(data, &d) == nil && d.ID != "" {
			return &d, herr
		}
		return nil, herr
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) DeleteDeployment(id string) error {
	return c.delete("/api/deployments/" + url.PathEscape(id))
}

func (c *Client) IsDeploying() (*IsDeploying, error) {
	var v IsDeploying
	if err := c.get("/api/isdeploying", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) GetLock(name string) (*LockStatus, error) {
	var l LockStatus
	if err := c.get("/api/locks/"+url.PathEscape(name), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Client) ListHooks() ([]Hook, error) {
	var hooks []Hook
	if err := c.get("/api/hooks", &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

func (c *Client) AddHook(hook Hook) (*Hook, error) {
	body, _ := json.Marshal(hook)
	var h Hook
	if err := c.postJSON("/api/hooks", string(body), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) RemoveHook(id string) error {
	return c.delete("/api/hooks/" + url.PathEscape(id))
}

func (c *Client) ListJobs() ([]Job, error) {
	var jobs []Job
	if err := c.get("/api/jobs", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) TriggerJob(name string) (*Job, error) {
	var j Job
	if err := c.postJSON("/api/jobs/"+url.PathEscape(name)+"/trigger", "{}", &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Validation ---

type ValidationFinding struct {
	Check    string `json:"check"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

type ValidationResult struct {
	Path     string              `json:"path"`
	Builder  string              `json:"builder,omitempty"`
	Errors   int                 `json:"errors"`
	Warnings int                 `json:"warnings"`
	Infos    int                 `json:"infos"`
	Findings []ValidationFinding `json:"findings"`
}

func (c *Client) Validate() (*ValidationResult, error) {
	var result ValidationResult
	if err := c.get("/api/validate", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) WebSocketURL() string {
	base := c.BaseURL
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + "/ws"
}

// WebSocketHeader carries the bearer token for the websocket dial.
func (c *Client) WebSocketHeader() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

func (c *Client) send(httpClient *http.Client, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) do(method, path string, body io.Reader, v any) error {
	resp, err := c.send(c.HTTPClient, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) get(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

func (c *Client) postJSON(path, body string, v any) error {
	return c.do(http.MethodPost, path, strings.NewReader(body), v)
}

func (c *Client) delete(path string) error {
	return c.do(http.MethodDelete, path, nil, nil)
}
