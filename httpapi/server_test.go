package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/c360studio/conveyor/message"
	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/queue/memqueue"
	"github.com/c360studio/conveyor/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*Server, *memstore.Store, *memqueue.Queue) {
	t.Helper()
	repo := memstore.New()
	q := memqueue.New()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(repo, q, logger, nil), repo, q
}

func submitBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"application": "checkout",
		"name":        "deploy to prod",
		"stages": []map[string]any{
			{"refId": "1", "type": "wait", "context": map[string]any{"waitTime": 5}},
			{"refId": "2", "type": "webhook", "requisiteStageRefIds": []string{"1"}},
		},
	})
	return body
}

func TestSubmitPipeline(t *testing.T) {
	srv, repo, q := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines", bytes.NewReader(submitBody()))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])

	stored, err := repo.Retrieve(context.Background(), model.ExecutionTypePipeline, resp["id"])
	require.NoError(t, err)
	assert.Equal(t, model.StatusNotStarted, stored.Status)
	assert.Len(t, stored.Stages, 2)

	d, err := q.Poll(context.Background())
	require.NoError(t, err)
	start, ok := d.Message.(*message.StartExecution)
	require.True(t, ok)
	assert.Equal(t, resp["id"], start.ExecutionID)
}

func TestSubmitRejectsBadGraph(t *testing.T) {
	srv, _, q := testServer(t)

	body, _ := json.Marshal(map[string]any{
		"application": "checkout",
		"stages": []map[string]any{
			{"refId": "1", "type": "wait", "requisiteStageRefIds": []string{"2"}},
			{"refId": "2", "type": "wait", "requisiteStageRefIds": []string{"1"}},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "circular dependency")
	assert.Equal(t, 0, q.Depth(), "nothing enqueued for a rejected pipeline")
}

func TestSubmitRequiresApplication(t *testing.T) {
	srv, _, _ := testServer(t)
	body, _ := json.Marshal(map[string]any{"stages": []map[string]any{}})
	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPipeline(t *testing.T) {
	srv, repo, _ := testServer(t)

	e := &model.PipelineExecution{
		ID: "e1", Type: model.ExecutionTypePipeline, Application: "checkout",
		Status: model.StatusRunning,
	}
	require.NoError(t, repo.Store(context.Background(), e))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pipelines/e1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.PipelineExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, model.StatusRunning, got.Status)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pipelines/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelPipeline(t *testing.T) {
	srv, repo, q := testServer(t)

	e := &model.PipelineExecution{
		ID: "e1", Type: model.ExecutionTypePipeline, Application: "checkout",
		Status: model.StatusRunning,
	}
	require.NoError(t, repo.Store(context.Background(), e))

	body := bytes.NewReader([]byte(`{"user":"ops","reason":"bad deploy"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/e1/cancel", body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	d, err := q.Poll(context.Background())
	require.NoError(t, err)
	cancel, ok := d.Message.(*message.CancelExecution)
	require.True(t, ok)
	assert.Equal(t, "e1", cancel.ExecutionID)
	assert.Equal(t, "ops", cancel.CanceledBy)
	assert.Equal(t, "bad deploy", cancel.Reason)
}

func TestSkipStage(t *testing.T) {
	srv, repo, q := testServer(t)

	e := &model.PipelineExecution{
		ID: "e1", Type: model.ExecutionTypePipeline, Application: "checkout",
		Status: model.StatusRunning,
		Stages: []*model.StageExecution{
			{ID: "s1", RefID: "1", Type: "wait", Status: model.StatusRunning},
		},
	}
	e.AttachBackrefs()
	require.NoError(t, repo.Store(context.Background(), e))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/e1/stages/s1/skip",
		bytes.NewReader([]byte(`{"user":"ops"}`))))
	require.Equal(t, http.StatusAccepted, rec.Code)

	d, err := q.Poll(context.Background())
	require.NoError(t, err)
	skip, ok := d.Message.(*message.SkipStage)
	require.True(t, ok)
	assert.Equal(t, "s1", skip.Stage)
	assert.Equal(t, "ops", skip.User)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/e1/stages/nope/skip", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListForConfig(t *testing.T) {
	srv, repo, _ := testServer(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2"} {
		require.NoError(t, repo.Store(ctx, &model.PipelineExecution{
			ID: id, Type: model.ExecutionTypePipeline, Application: "checkout",
			PipelineConfigID: "cfg-1", Status: model.StatusSucceeded,
		}))
	}
	require.NoError(t, repo.Store(ctx, &model.PipelineExecution{
		ID: "other-app", Type: model.ExecutionTypePipeline, Application: "billing",
		PipelineConfigID: "cfg-1", Status: model.StatusSucceeded,
	}))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/applications/checkout/pipelines?pipelineConfigId=cfg-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []*model.PipelineExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/applications/checkout/pipelines", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
