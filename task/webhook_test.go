package task

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/c360studio/conveyor/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookStage(ctx model.Context) *model.StageExecution {
	return &model.StageExecution{ID: "s1", RefID: "1", Type: "webhook", Context: ctx}
}

func TestCreateWebhookPostsPayload(t *testing.T) {
	var gotMethod, gotHeader string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Custom")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	stage := webhookStage(model.Context{
		"url":           srv.URL,
		"method":        "put",
		"payload":       map[string]any{"version": "v2"},
		"customHeaders": map[string]any{"X-Custom": "yes"},
	})

	result, err := CreateWebhookTask{}.Execute(context.Background(), stage)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, result.Status)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "yes", gotHeader)
	assert.Equal(t, "v2", gotBody["version"])

	webhook := result.Context["webhook"].(map[string]any)
	assert.Equal(t, http.StatusOK, webhook["statusCode"])
}

func TestCreateWebhookResolvesStatusURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"buildInfo":{"url":"http://status.example/42"}}`))
	}))
	defer srv.Close()

	stage := webhookStage(model.Context{
		"url":               srv.URL,
		"waitForCompletion": true,
		"statusUrlJsonPath": "$.buildInfo.url",
	})

	result, err := CreateWebhookTask{}.Execute(context.Background(), stage)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, result.Status)
	assert.Equal(t, "http://status.example/42", result.Context["statusEndpoint"])
}

func TestCreateWebhookFailFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	stage := webhookStage(model.Context{
		"url":                 srv.URL,
		"failFastStatusCodes": []any{float64(400)},
	})

	result, err := CreateWebhookTask{}.Execute(context.Background(), stage)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTerminal, result.Status)
}

func TestCreateWebhookMissingURL(t *testing.T) {
	result, err := CreateWebhookTask{}.Execute(context.Background(), webhookStage(model.Context{}))
	require.NoError(t, err)
	assert.Equal(t, model.StatusTerminal, result.Status)
}

func TestMonitorWebhookStatusProgression(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"status":"IN_PROGRESS"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"SUCCESS"}`))
	}))
	defer srv.Close()

	stage := webhookStage(model.Context{
		"statusEndpoint":  srv.URL,
		"statusJsonPath":  "$.status",
		"successStatuses": "SUCCESS,DONE",
	})

	for i := 0; i < 2; i++ {
		result, err := MonitorWebhookTask{}.Execute(context.Background(), stage)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, result.Status)
	}

	result, err := MonitorWebhookTask{}.Execute(context.Background(), stage)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, result.Status)
}

func TestMonitorWebhookTerminalAndCanceled(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   model.ExecutionStatus
	}{
		{"terminal", "FAILURE", model.StatusTerminal},
		{"canceled", "ABORTED", model.StatusCanceled},
		{"unknown keeps polling", "WARMING_UP", model.StatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"status": tt.status})
			}))
			defer srv.Close()

			stage := webhookStage(model.Context{
				"statusEndpoint":   srv.URL,
				"statusJsonPath":   "status",
				"successStatuses":  "SUCCESS",
				"canceledStatuses": "ABORTED,CANCELLED",
				"terminalStatuses": "FAILURE",
			})

			result, err := MonitorWebhookTask{}.Execute(context.Background(), stage)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Status)
		})
	}
}

func TestMonitorWebhookRetryStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	stage := webhookStage(model.Context{
		"statusEndpoint": srv.URL,
		"statusJsonPath": "status",
	})

	result, err := MonitorWebhookTask{}.Execute(context.Background(), stage)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, result.Status)
}

func TestLookupJSONPath(t *testing.T) {
	body := map[string]any{"a": map[string]any{"b": "deep"}, "top": "value"}

	assert.Equal(t, "deep", lookupJSONPath(body, "$.a.b"))
	assert.Equal(t, "deep", lookupJSONPath(body, "a.b"))
	assert.Equal(t, "value", lookupJSONPath(body, "top"))
	assert.Nil(t, lookupJSONPath(body, "a.missing.c"))
	assert.Nil(t, lookupJSONPath(body, ""))
	assert.Nil(t, lookupJSONPath("scalar", "a.b"))
}

func TestWaitTask(t *testing.T) {
	t.Run("no wait time succeeds", func(t *testing.T) {
		result, err := WaitTask{}.Execute(context.Background(), webhookStage(model.Context{}))
		require.NoError(t, err)
		assert.Equal(t, model.StatusSucceeded, result.Status)
	})

	t.Run("first call stamps start and runs", func(t *testing.T) {
		stage := webhookStage(model.Context{"waitTime": 60})
		result, err := WaitTask{}.Execute(context.Background(), stage)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, result.Status)
		assert.Contains(t, result.Context, "waitTaskStartedAt")
	})

	t.Run("elapsed wait succeeds", func(t *testing.T) {
		stage := webhookStage(model.Context{
			"waitTime":          1,
			"waitTaskStartedAt": "2020-01-01T00:00:00Z",
		})
		result, err := WaitTask{}.Execute(context.Background(), stage)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSucceeded, result.Status)
	})

	t.Run("skipRemainingWait cuts short", func(t *testing.T) {
		stage := webhookStage(model.Context{"waitTime": 600, "skipRemainingWait": true})
		result, err := WaitTask{}.Execute(context.Background(), stage)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSucceeded, result.Status)
	})
}
