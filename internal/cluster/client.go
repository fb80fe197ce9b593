// Package cluster implements the managed-cluster backend: environments and
// tasks live in a remote cluster service reached over an HTTP JSON API.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/l2succes/remote-claude-sub003/internal/compute"
)

// Error codes the cluster API returns in error bodies.
const (
	codeInfrastructureNotProvisioned = "infrastructure_not_provisioned"
	codeCapacityExhausted            = "capacity_exhausted"
)

// APIError is a non-success response from the cluster API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cluster api: status %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("cluster api: status %d: %s", e.Status, e.Message)
}

func isStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client is a minimal client for the cluster API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. timeout bounds each request.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: timeout},
	}
}

type envRequest struct {
	Name       string            `json:"name,omitempty"`
	Repository string            `json:"repository,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	Image      string            `json:"image,omitempty"`
	Region     string            `json:"region,omitempty"`
	Resources  compute.Resources `json:"resources"`
	Env        map[string]string `json:"env,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type envObject struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type taskRequest struct {
	ID             string            `json:"id"`
	Command        string            `json:"command"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type taskObject struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environment_id"`
	Status        string     `json:"status"`
	ExitCode      int        `json:"exit_code"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// logPage is one read of task output. Data is base64 on the wire.
type logPage struct {
	Data       []byte `json:"data"`
	NextOffset int64  `json:"next_offset"`
	Done       bool   `json:"done"`
}

type fileObject struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    uint32 `json:"mode,omitempty"`
}

type filesBody struct {
	Files []fileObject `json:"files"`
}

type pathsBody struct {
	Paths []string `json:"paths"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. Any status outside 2xx becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.token == "" {
		return fmt.Errorf("cluster token is required")
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && (eb.Code != "" || eb.Message != "") {
			apiErr.Code, apiErr.Message = eb.Code, eb.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// Health checks the API. A 412 response or the infrastructure code maps
// to compute.ErrInfrastructureNotProvisioned.
func (c *Client) Health(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusPreconditionFailed || apiErr.Code == codeInfrastructureNotProvisioned) {
		return fmt.Errorf("%w: %s", compute.ErrInfrastructureNotProvisioned, apiErr.Message)
	}
	return err
}

func envPath(id string) string {
	return "/v1/environments/" + url.PathEscape(id)
}

func taskPath(envID, taskID string) string {
	return envPath(envID) + "/tasks/" + url.PathEscape(taskID)
}

func (c *Client) CreateEnvironment(ctx context.Context, req envRequest) (envObject, error) {
	var out envObject
	err := c.do(ctx, http.MethodPost, "/v1/environments", req, &out)
	return out, err
}

func (c *Client) GetEnvironment(ctx context.Context, id string) (envObject, error) {
	var out envObject
	err := c.do(ctx, http.MethodGet, envPath(id), nil, &out)
	return out, err
}

func (c *Client) ListEnvironments(ctx context.Context) ([]envObject, error) {
	var out struct {
		Environments []envObject `json:"environments"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/environments", nil, &out)
	return out.Environments, err
}

func (c *Client) DeleteEnvironment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, envPath(id), nil, nil)
}

func (c *Client) SubmitTask(ctx context.Context, envID string, req taskRequest) (taskObject, error) {
	var out taskObject
	err := c.do(ctx, http.MethodPost, envPath(envID)+"/tasks", req, &out)
	return out, err
}

func (c *Client) GetTask(ctx context.Context, envID, taskID string) (taskObject, error) {
	var out taskObject
	err := c.do(ctx, http.MethodGet, taskPath(envID, taskID), nil, &out)
	return out, err
}

func (c *Client) CancelTask(ctx context.Context, envID, taskID string) error {
	return c.do(ctx, http.MethodPost, taskPath(envID, taskID)+"/cancel", nil, nil)
}

// Logs reads task output from offset. An offset of -1 asks only for the
// current end of the output.
func (c *Client) Logs(ctx context.Context, envID, taskID string, offset int64) (logPage, error) {
	var out logPage
	err := c.do(ctx, http.MethodGet, taskPath(envID, taskID)+"/logs?offset="+strconv.FormatInt(offset, 10), nil, &out)
	return out, err
}

func (c *Client) PutFiles(ctx context.Context, envID string, files []fileObject) error {
	return c.do(ctx, http.MethodPut, envPath(envID)+"/files", filesBody{Files: files}, nil)
}

func (c *Client) GetFiles(ctx context.Context, envID string, paths []string) ([]fileObject, error) {
	var out filesBody
	err := c.do(ctx, http.MethodPost, envPath(envID)+"/files/download", pathsBody{Paths: paths}, &out)
	return out.Files, err
}
