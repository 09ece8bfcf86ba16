package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/conveyor/model"
)

// Webhook task implementingType names.
const (
	CreateWebhookTaskType  = "createWebhookTask"
	MonitorWebhookTaskType = "monitorWebhookTask"
)

// maxWebhookBody bounds how much of a response is read into the stage
// context.
const maxWebhookBody = 256 * 1024

// CreateWebhookTask fires the configured HTTP call. Stage context keys:
// url, method, payload, customHeaders, failFastStatusCodes, and when
// waitForCompletion is set, statusUrlJsonPath to pick the polling URL out of
// the response body.
type CreateWebhookTask struct {
	Client *http.Client
}

// Execute implements Task.
func (t CreateWebhookTask) Execute(ctx context.Context, stage *model.StageExecution) (Result, error) {
	url := stage.Context.String("url")
	if url == "" {
		stage.SetException("createWebhookTask", "no url configured")
		return Result{Status: model.StatusTerminal}, nil
	}
	method := strings.ToUpper(stage.Context.String("method"))
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if payload, ok := stage.Context["payload"]; ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return Result{}, fmt.Errorf("marshal webhook payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		stage.SetException("createWebhookTask", err.Error())
		return Result{Status: model.StatusTerminal}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	applyCustomHeaders(req, stage)

	resp, err := t.client().Do(req)
	if err != nil {
		// Network errors are transient; the scheduler polls again.
		return Result{}, fmt.Errorf("call webhook %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload := readBody(resp)
	delta := map[string]any{
		"webhook": map[string]any{
			"statusCode": resp.StatusCode,
			"body":       payload,
		},
	}

	if isFailFast(stage, resp.StatusCode) {
		stage.SetException("createWebhookTask", fmt.Sprintf("webhook returned fail-fast status %d", resp.StatusCode))
		return Result{Status: model.StatusTerminal, Context: delta}, nil
	}
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
	}

	if stage.Context.BoolFlag("waitForCompletion") {
		statusURL := pickStatusURL(stage, payload)
		if statusURL == "" {
			stage.SetException("createWebhookTask", "waitForCompletion set but no status url resolved")
			return Result{Status: model.StatusTerminal, Context: delta}, nil
		}
		delta["statusEndpoint"] = statusURL
	}

	return Result{Status: model.StatusSucceeded, Context: delta}, nil
}

func (t CreateWebhookTask) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

// MonitorWebhookTask polls the status endpoint produced by
// CreateWebhookTask until the value at statusJsonPath matches one of the
// configured successStatuses / canceledStatuses / terminalStatuses.
type MonitorWebhookTask struct {
	Client *http.Client
}

// Execute implements Task.
func (t MonitorWebhookTask) Execute(ctx context.Context, stage *model.StageExecution) (Result, error) {
	statusURL := stage.Context.String("statusEndpoint")
	if statusURL == "" {
		stage.SetException("monitorWebhookTask", "no status endpoint to poll")
		return Result{Status: model.StatusTerminal}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		stage.SetException("monitorWebhookTask", err.Error())
		return Result{Status: model.StatusTerminal}, nil
	}
	applyCustomHeaders(req, stage)

	resp, err := t.client().Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("poll webhook status %s: %w", statusURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		if isRetryStatus(stage, resp.StatusCode) {
			return Result{Status: model.StatusRunning}, nil
		}
		return Result{}, fmt.Errorf("webhook status endpoint returned %d", resp.StatusCode)
	}

	payload := readBody(resp)
	delta := map[string]any{"webhookStatus": payload}

	value := lookupJSONPath(payload, stage.Context.String("statusJsonPath"))
	status, ok := value.(string)
	if !ok {
		// No readable status yet; keep polling.
		return Result{Status: model.StatusRunning, Context: delta}, nil
	}

	switch {
	case matchesStatusList(stage, "successStatuses", status):
		return Result{Status: model.StatusSucceeded, Context: delta}, nil
	case matchesStatusList(stage, "canceledStatuses", status):
		return Result{Status: model.StatusCanceled, Context: delta}, nil
	case matchesStatusList(stage, "terminalStatuses", status):
		stage.SetException("monitorWebhookTask", fmt.Sprintf("webhook reported terminal status %q", status))
		return Result{Status: model.StatusTerminal, Context: delta}, nil
	default:
		return Result{Status: model.StatusRunning, Context: delta}, nil
	}
}

func (t MonitorWebhookTask) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

// BackoffPeriod implements BackoffAware.
func (MonitorWebhookTask) BackoffPeriod(stage *model.StageExecution) time.Duration {
	if d := stage.Context.DurationSeconds("retryStatusPeriodSeconds"); d > 0 {
		return d
	}
	return 10 * time.Second
}

// Timeout implements TimeoutAware: a webhook that never reports a terminal
// status fails after an hour unless the stage overrides the deadline.
func (MonitorWebhookTask) Timeout() time.Duration {
	return time.Hour
}

func applyCustomHeaders(req *http.Request, stage *model.StageExecution) {
	headers, ok := stage.Context["customHeaders"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}
}

func readBody(resp *http.Response) any {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody))
	if err != nil || len(data) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return string(data)
	}
	return parsed
}

func isFailFast(stage *model.StageExecution, code int) bool {
	return statusCodeListed(stage, "failFastStatusCodes", code)
}

func isRetryStatus(stage *model.StageExecution, code int) bool {
	if statusCodeListed(stage, "retryStatusCodes", code) {
		return true
	}
	// Too Many Requests is always retried.
	return code == http.StatusTooManyRequests
}

func statusCodeListed(stage *model.StageExecution, key string, code int) bool {
	list, ok := stage.Context[key].([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if n, ok := v.(float64); ok && int(n) == code {
			return true
		}
		if n, ok := v.(int); ok && n == code {
			return true
		}
	}
	return false
}

func matchesStatusList(stage *model.StageExecution, key, status string) bool {
	raw := stage.Context.String(key)
	if raw == "" {
		return false
	}
	for _, candidate := range strings.Split(raw, ",") {
		if strings.EqualFold(strings.TrimSpace(candidate), status) {
			return true
		}
	}
	return false
}

// pickStatusURL resolves the monitoring URL: an explicit statusEndpoint in
// the stage context wins, then statusUrlJsonPath into the response body.
func pickStatusURL(stage *model.StageExecution, body any) string {
	if s := stage.Context.String("statusEndpoint"); s != "" {
		return s
	}
	if path := stage.Context.String("statusUrlJsonPath"); path != "" {
		if v, ok := lookupJSONPath(body, path).(string); ok {
			return v
		}
	}
	return ""
}

// lookupJSONPath walks a dotted path ("$.buildInfo.url" or "buildInfo.url")
// through decoded JSON.
func lookupJSONPath(body any, path string) any {
	if path == "" {
		return nil
	}
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	current := body
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}
