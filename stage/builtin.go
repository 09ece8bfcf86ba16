package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/task"
)

// WaitStage holds the pipeline for "waitTime" seconds.
type WaitStage struct{}

// TaskGraph implements Builder.
func (WaitStage) TaskGraph(*model.StageExecution) []TaskDef {
	return []TaskDef{{Name: "wait", ImplementingType: task.WaitTaskType}}
}

// CanManuallySkip implements ManuallySkippable: waits can always be cut
// short by an operator.
func (WaitStage) CanManuallySkip(*model.StageExecution) bool {
	return true
}

// WebhookStage calls an arbitrary HTTP endpoint and, when
// waitForCompletion is set, monitors a status endpoint until it reports a
// terminal value.
type WebhookStage struct {
	Client *http.Client
}

// TaskGraph implements Builder.
func (w WebhookStage) TaskGraph(s *model.StageExecution) []TaskDef {
	defs := []TaskDef{{Name: "createWebhook", ImplementingType: task.CreateWebhookTaskType}}
	if s.Context.BoolFlag("waitForCompletion") {
		defs = append(defs, TaskDef{Name: "monitorWebhook", ImplementingType: task.MonitorWebhookTaskType})
	}
	return defs
}

// Cancel implements Cancellable: when the stage declares signalCancellation
// the configured cancel endpoint is called, best effort.
func (w WebhookStage) Cancel(ctx context.Context, s *model.StageExecution) error {
	if !s.Context.BoolFlag("signalCancellation") {
		return nil
	}
	endpoint := s.Context.String("cancelEndpoint")
	if endpoint == "" {
		return nil
	}
	method := strings.ToUpper(s.Context.String("cancelMethod"))
	if method == "" {
		method = http.MethodPost
	}

	var body *bytes.Reader
	if payload, ok := s.Context["cancelPayload"]; ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal cancel payload: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("signal cancellation to %s: %w", endpoint, err)
	}
	_ = resp.Body.Close()
	return nil
}

// RegisterBuiltins wires the stock stage types and their tasks into the
// given registries.
func RegisterBuiltins(stages *Registry, tasks *task.Registry, client *http.Client) error {
	if err := stages.Register("wait", WaitStage{}); err != nil {
		return err
	}
	if err := stages.Register("webhook", WebhookStage{Client: client}); err != nil {
		return err
	}
	if err := tasks.Register(task.WaitTaskType, task.WaitTask{}); err != nil {
		return err
	}
	if err := tasks.Register(task.CreateWebhookTaskType, task.CreateWebhookTask{Client: client}); err != nil {
		return err
	}
	if err := tasks.Register(task.MonitorWebhookTaskType, task.MonitorWebhookTask{Client: client}); err != nil {
		return err
	}
	return nil
}
