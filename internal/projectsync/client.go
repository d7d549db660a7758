package projectsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/harborworks/ledgerlink/internal/coordinator"
)

// Caller is the authenticated, throttled call primitive every network hop
// goes through. Satisfied by *coordinator.Executor.
type Caller interface {
	Call(ctx context.Context, tenantID, userID string, req coordinator.Request) error
}

// Amount is a money value on a task rate.
type Amount struct {
	Currency string  `json:"currency"`
	Value    float64 `json:"value"`
}

// Project is one top-level remote record.
type Project struct {
	ProjectID     string  `json:"projectId"`
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	CurrencyCode  string  `json:"currencyCode,omitempty"`
	EstimateValue float64 `json:"estimateValue,omitempty"`
}

// Task is one child item of a project.
type Task struct {
	TaskID          string `json:"taskId"`
	Name            string `json:"name"`
	Rate            Amount `json:"rate"`
	ChargeType      string `json:"chargeType"`
	EstimateMinutes int    `json:"estimateMinutes"`
	Status          string `json:"status"`
}

// NewTask is the payload for a task-creation call.
type NewTask struct {
	Name            string `json:"name"`
	Rate            Amount `json:"rate"`
	ChargeType      string `json:"chargeType"`
	EstimateMinutes int    `json:"estimateMinutes"`
}

// ProjectPage is one page of the paginated projects listing.
type ProjectPage struct {
	Items          []Project `json:"items"`
	AdditionalData struct {
		Pagination struct {
			MoreItemsInCollection bool `json:"more_items_in_collection"`
			NextStart             int  `json:"next_start"`
		} `json:"pagination"`
	} `json:"additional_data"`
}

// TaskPage wraps the child-item listing.
type TaskPage struct {
	Items []Task `json:"items"`
}

// Client is the typed surface of the remote projects API.
type Client interface {
	ListProjects(ctx context.Context, tenantID, userID string, page, pageSize int) (ProjectPage, error)
	ListTasks(ctx context.Context, tenantID, userID, projectID string) ([]Task, error)
	CreateTask(ctx context.Context, tenantID, userID, projectID string, task NewTask, idempotencyKey string) (Task, error)
}

type HTTPClientOptions struct {
	BaseURL string
	Caller  Caller
}

// HTTPClient implements Client over the executor.
type HTTPClient struct {
	baseURL string
	caller  Caller
}

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	if opts.Caller == nil {
		return nil, fmt.Errorf("caller is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.xero.com/projects.xro/2.0"
	}
	return &HTTPClient{baseURL: baseURL, caller: opts.Caller}, nil
}

func (c *HTTPClient) ListProjects(ctx context.Context, tenantID, userID string, page, pageSize int) (ProjectPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	var out ProjectPage
	err := c.caller.Call(ctx, tenantID, userID, coordinator.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/projects?" + q.Encode(),
		Out:    &out,
	})
	return out, err
}

func (c *HTTPClient) ListTasks(ctx context.Context, tenantID, userID, projectID string) ([]Task, error) {
	var out TaskPage
	err := c.caller.Call(ctx, tenantID, userID, coordinator.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/projects/%s/tasks", c.baseURL, url.PathEscape(projectID)),
		Out:    &out,
	})
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *HTTPClient) CreateTask(ctx context.Context, tenantID, userID, projectID string, task NewTask, idempotencyKey string) (Task, error) {
	var out Task
	err := c.caller.Call(ctx, tenantID, userID, coordinator.Request{
		Method:         http.MethodPost,
		URL:            fmt.Sprintf("%s/projects/%s/tasks", c.baseURL, url.PathEscape(projectID)),
		Body:           task,
		IdempotencyKey: idempotencyKey,
		Out:            &out,
	})
	return out, err
}
