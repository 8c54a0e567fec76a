package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"noetl.io/noetl/runtime/event"
	"noetl.io/noetl/runtime/playbook"
	"noetl.io/noetl/runtime/template"
)

// HTTP performs a request described by the step spec and args: method and
// endpoint from the spec, headers, params and payload from the args. JSON
// responses decode into the result data, anything else lands as a string.
type HTTP struct {
	client *resty.Client
}

// NewHTTP constructs the adapter with a default resty client.
func NewHTTP() *HTTP {
	return &HTTP{client: resty.New()}
}

// Kind implements Tool.
func (*HTTP) Kind() string { return playbook.ToolHTTP }

// Capability implements Tool.
func (*HTTP) Capability() string { return playbook.DefaultCapability }

// RequiredSecrets implements Tool.
func (*HTTP) RequiredSecrets(map[string]any) []string { return nil }

// Execute sends the request. Transport failures and 5xx responses are
// retryable; 4xx responses are not.
func (t *HTTP) Execute(ctx context.Context, req *ExecRequest) (*Result, error) {
	endpoint := firstString(req.Spec, "endpoint", "url")
	if endpoint == "" {
		return nil, Errorf(event.ReasonToolError, false, "http: spec.endpoint is required")
	}
	method := strings.ToUpper(firstString(req.Spec, "method"))
	if method == "" {
		method = http.MethodGet
	}

	r := t.client.R().SetContext(ctx)
	if headers, ok := req.Args["headers"].(map[string]any); ok {
		for k, v := range headers {
			r.SetHeader(k, template.Stringify(v))
		}
	}
	if params, ok := req.Args["params"].(map[string]any); ok {
		for k, v := range params {
			r.SetQueryParam(k, template.Stringify(v))
		}
	}
	if payload, ok := req.Args["payload"]; ok && payload != nil {
		r.SetBody(payload)
	} else if body, ok := req.Args["body"]; ok && body != nil {
		r.SetBody(body)
	}

	resp, err := r.Execute(method, endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Errorf(event.ReasonToolError, true, "http: %v", err)
	}

	data := map[string]any{
		"status_code": resp.StatusCode(),
		"headers":     flattenHeaders(resp.Header()),
		"data":        decodeBody(resp),
	}
	if resp.StatusCode() >= 500 {
		return nil, Errorf(event.ReasonToolError, true, "http: %s %s returned %d", method, endpoint, resp.StatusCode())
	}
	if resp.StatusCode() >= 400 {
		return nil, Errorf(event.ReasonToolError, false, "http: %s %s returned %d", method, endpoint, resp.StatusCode())
	}
	return &Result{Data: data}, nil
}

// decodeBody decodes a JSON response body, falling back to the raw string.
func decodeBody(resp *resty.Response) any {
	body := resp.Body()
	if len(body) == 0 {
		return nil
	}
	ct := resp.Header().Get("Content-Type")
	if strings.Contains(ct, "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
