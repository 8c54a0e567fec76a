package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/samber/lo"

	"noetl.io/noetl/runtime/catalog"
	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/projection"
	"noetl.io/noetl/runtime/queue"
	"noetl.io/noetl/runtime/registry"
)

// DefaultClientTimeout bounds each control API call.
const DefaultClientTimeout = 30 * time.Second

// Client is the Go client for the control API. It satisfies worker.Control,
// queue.Queue and registry.Registry, so a remote worker wires it in exactly
// where local profiles wire the in-process backends.
type Client struct {
	rc *resty.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.rc.SetTimeout(d) }
}

// WithHTTPClient installs a custom transport, e.g. an httptest client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		base := c.rc.BaseURL
		c.rc = resty.NewWithClient(hc).SetBaseURL(base)
	}
}

// NewClient builds a control API client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{rc: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(DefaultClientTimeout).
		SetHeader("Accept", "application/json"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ queue.Queue       = (*Client)(nil)
	_ registry.Registry = (*Client)(nil)
)

// StartExecution starts a root execution of the playbook at (path, version).
func (c *Client) StartExecution(ctx context.Context, path, version string, payload map[string]any) (int64, error) {
	var out StartExecutionResponse
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(StartExecutionRequest{Path: path, Version: version, Payload: payload}).
		SetResult(&out).
		Post("/executions")
	if err := c.check(resp, err, catalog.ErrNotFound); err != nil {
		return 0, err
	}
	return out.ExecutionID, nil
}

// Cancel requests cancellation of an execution.
func (c *Client) Cancel(ctx context.Context, id int64, reason string) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(CancelRequest{Reason: reason}).
		Post(fmt.Sprintf("/executions/%d/cancel", id))
	return c.check(resp, err, event.ErrNotFound)
}

// Status fetches the projected status of an execution.
func (c *Client) Status(ctx context.Context, id int64) (*StatusResponse, error) {
	var out StatusResponse
	resp, err := c.rc.R().SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/executions/%d/status", id))
	if err := c.check(resp, err, event.ErrNotFound); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events reads an execution's events from fromSeq onward.
func (c *Client) Events(ctx context.Context, id, fromSeq int64) ([]event.Event, error) {
	var out []event.Event
	resp, err := c.rc.R().SetContext(ctx).
		SetQueryParam("from_seq", strconv.FormatInt(fromSeq, 10)).
		SetResult(&out).
		Get(fmt.Sprintf("/executions/%d/events", id))
	if err := c.check(resp, err, event.ErrNotFound); err != nil {
		return nil, err
	}
	return out, nil
}

// Executions lists executions, optionally filtered by playbook path.
func (c *Client) Executions(ctx context.Context, path string) ([]ExecutionSummary, error) {
	var out []ExecutionSummary
	req := c.rc.R().SetContext(ctx).SetResult(&out)
	if path != "" {
		req.SetQueryParam("path", path)
	}
	resp, err := req.Get("/executions")
	if err := c.check(resp, err, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// PublishEvent appends a worker-originated step event. The server assigns
// the sequence; duplicate transitions surface as
// projection.ErrAlreadyRecorded and terminal executions as
// projection.ErrExecutionDone.
func (c *Client) PublishEvent(ctx context.Context, e *event.Event) error {
	var out AppendResponse
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(e).
		SetResult(&out).
		Post("/events")
	if err := c.check(resp, err, event.ErrNotFound); err != nil {
		return err
	}
	e.Seq = out.Seq
	return nil
}

// ExecutionStatus reports the projected execution status.
func (c *Client) ExecutionStatus(ctx context.Context, executionID int64) (projection.ExecStatus, error) {
	st, err := c.Status(ctx, executionID)
	if err != nil {
		return "", err
	}
	return projection.ExecStatus(st.Status), nil
}

// Credential resolves a catalog credential by name.
func (c *Client) Credential(ctx context.Context, name string) (*catalog.Credential, error) {
	var out catalog.Credential
	resp, err := c.rc.R().SetContext(ctx).
		SetResult(&out).
		Get("/credentials/" + name)
	if err := c.check(resp, err, catalog.ErrCredentialNotFound); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutCredential stores or replaces a credential.
func (c *Client) PutCredential(ctx context.Context, name, kind string, payload json.RawMessage) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(CredentialRequest{Name: name, Kind: kind, Payload: payload}).
		Post("/credentials")
	return c.check(resp, err, nil)
}

// RegisterPlaybook registers a raw YAML playbook document.
func (c *Client) RegisterPlaybook(ctx context.Context, raw []byte) (*PlaybookEntry, error) {
	var out PlaybookEntry
	resp, err := c.rc.R().SetContext(ctx).
		SetHeader("Content-Type", "application/yaml").
		SetBody(raw).
		SetResult(&out).
		Post("/playbooks")
	if err := c.check(resp, err, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Playbook fetches a registered playbook, latest version when version is
// empty.
func (c *Client) Playbook(ctx context.Context, path, version string) (*PlaybookEntry, error) {
	var out PlaybookEntry
	req := c.rc.R().SetContext(ctx).SetResult(&out)
	if version != "" {
		req.SetQueryParam("version", version)
	}
	resp, err := req.Get("/playbooks/" + path)
	if err := c.check(resp, err, catalog.ErrNotFound); err != nil {
		return nil, err
	}
	return &out, nil
}

// Playbooks lists the latest version of every playbook under the prefix.
func (c *Client) Playbooks(ctx context.Context, prefix string) ([]PlaybookEntry, error) {
	var out []PlaybookEntry
	req := c.rc.R().SetContext(ctx).SetResult(&out)
	if prefix != "" {
		req.SetQueryParam("prefix", prefix)
	}
	resp, err := req.Get("/playbooks")
	if err := c.check(resp, err, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Enqueue implements queue.Queue.
func (c *Client) Enqueue(ctx context.Context, j *queue.Job) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(j).
		Post("/jobs/enqueue")
	return c.check(resp, err, nil)
}

// Lease implements queue.Queue. An empty queue yields queue.ErrEmpty.
func (c *Client) Lease(ctx context.Context, capability, workerID string, d time.Duration) (*queue.LeasedJob, error) {
	var out queue.LeasedJob
	resp, err := c.rc.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"tag":           capability,
			"worker":        workerID,
			"lease_seconds": formatSeconds(d),
		}).
		SetResult(&out).
		Get("/jobs/lease")
	if err == nil && resp.StatusCode() == http.StatusNoContent {
		return nil, queue.ErrEmpty
	}
	if err := c.check(resp, err, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Extend implements queue.Queue.
func (c *Client) Extend(ctx context.Context, key, workerID string, d time.Duration) error {
	return c.settle(ctx, "/jobs/extend", JobSettleRequest{
		Key: key, Worker: workerID, LeaseSeconds: d.Seconds(),
	})
}

// Ack implements queue.Queue.
func (c *Client) Ack(ctx context.Context, key, workerID string) error {
	return c.settle(ctx, "/jobs/ack", JobSettleRequest{Key: key, Worker: workerID})
}

// Nack implements queue.Queue.
func (c *Client) Nack(ctx context.Context, key, workerID, reason string) error {
	return c.settle(ctx, "/jobs/nack", JobSettleRequest{Key: key, Worker: workerID, Reason: reason})
}

// Depth implements queue.Queue.
func (c *Client) Depth(ctx context.Context, capability string) (int, error) {
	var out DepthResponse
	resp, err := c.rc.R().SetContext(ctx).
		SetQueryParam("tag", capability).
		SetResult(&out).
		Get("/jobs/depth")
	if err := c.check(resp, err, nil); err != nil {
		return 0, err
	}
	return out.Depth, nil
}

func (c *Client) settle(ctx context.Context, path string, req JobSettleRequest) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(req).
		Post(path)
	return c.check(resp, err, queue.ErrUnknownJob)
}

// Register implements registry.Registry.
func (c *Client) Register(ctx context.Context, info registry.WorkerInfo) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(info).
		Post("/workers/register")
	return c.check(resp, err, nil)
}

// Heartbeat implements registry.Registry.
func (c *Client) Heartbeat(ctx context.Context, name string) error {
	resp, err := c.rc.R().SetContext(ctx).
		Post(fmt.Sprintf("/workers/%s/heartbeat", name))
	return c.check(resp, err, registry.ErrNotFound)
}

// Deregister implements registry.Registry.
func (c *Client) Deregister(ctx context.Context, name string) error {
	resp, err := c.rc.R().SetContext(ctx).
		Delete("/workers/" + name)
	return c.check(resp, err, registry.ErrNotFound)
}

// List implements registry.Registry.
func (c *Client) List(ctx context.Context) ([]registry.WorkerInfo, error) {
	var out []registry.WorkerInfo
	resp, err := c.rc.R().SetContext(ctx).
		SetResult(&out).
		Get("/workers")
	if err := c.check(resp, err, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Eligible implements registry.Registry by filtering the listed workers.
func (c *Client) Eligible(ctx context.Context, tag string) (bool, error) {
	workers, err := c.List(ctx)
	if err != nil {
		return false, err
	}
	return lo.SomeBy(workers, func(w registry.WorkerInfo) bool { return w.Eligible(tag) }), nil
}

// check maps error responses back onto the sentinel errors of the packages
// the API fronts. notFound names the sentinel a 404 stands for at this call
// site.
func (c *Client) check(resp *resty.Response, err error, notFound error) error {
	if err != nil {
		return fmt.Errorf("control api: %w", err)
	}
	if resp.IsSuccess() {
		return nil
	}
	var env errorResponse
	_ = json.Unmarshal(resp.Body(), &env)
	msg := env.Error.Message
	if msg == "" {
		msg = resp.Status()
	}
	switch env.Error.Code {
	case codeAlreadyRecorded:
		return fmt.Errorf("%w: %s", projection.ErrAlreadyRecorded, msg)
	case codeExecutionDone:
		return fmt.Errorf("%w: %s", projection.ErrExecutionDone, msg)
	case codeOutOfOrder:
		return fmt.Errorf("%w: %s", projection.ErrOutOfOrder, msg)
	case codeNotLeased:
		return fmt.Errorf("%w: %s", queue.ErrNotLeased, msg)
	case codeNotFound:
		if notFound != nil {
			return fmt.Errorf("%w: %s", notFound, msg)
		}
	}
	return fmt.Errorf("control api: %s %s: %s", resp.Request.Method, resp.Request.URL, msg)
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
