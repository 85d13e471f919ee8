package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonathan/apply-agent/internal/fetch"
	"github.com/jonathan/apply-agent/internal/generation"
	"github.com/jonathan/apply-agent/internal/metrics"
	"github.com/jonathan/apply-agent/internal/orchestrator"
	"github.com/jonathan/apply-agent/internal/profile"
	"github.com/jonathan/apply-agent/internal/store"
	"github.com/jonathan/apply-agent/internal/types"
)

type stubFetcher struct{}

func (stubFetcher) Fetch(context.Context, string) (string, fetch.Method, error) {
	return "Application page content", fetch.MethodStatic, nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(context.Context, string) ([]types.ExtractedQuestion, error) {
	return []types.ExtractedQuestion{
		{Text: "Why do you deserve this scholarship?", Kind: types.KindEssay, Required: true},
	}, nil
}

type stubGenerator struct{}

func (stubGenerator) Answer(_ context.Context, q *types.ExtractedQuestion, _ *types.ContextBundle) (string, error) {
	return "answer to: " + q.Text, nil
}

type testEnv struct {
	server  *Server
	store   *store.MemoryStore
	runner  *orchestrator.Runner
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	orch := orchestrator.New(st, stubFetcher{}, stubExtractor{}, &profile.Static{}, stubGenerator{},
		generation.NewMemoryCache(), orchestrator.Config{}, zap.NewNop(), nil)
	runner := orchestrator.NewRunner(orch, 1, 16, zap.NewNop())
	mets := metrics.New(prometheus.NewRegistry())
	srv := New(Config{Port: 0}, st, orch, runner, mets, zap.NewNop())
	return &testEnv{server: srv, store: st, runner: runner, metrics: mets}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitRunAccepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/runs", map[string]string{
		"user_id":    uuid.NewString(),
		"source_url": "https://example.com/apply",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		RunID uuid.UUID   `json:"run_id"`
		Stage types.Stage `json:"stage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, uuid.Nil, resp.RunID)
	assert.Equal(t, types.StageFetch, resp.Stage)
}

func TestSubmitRunCountsMetric(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/runs", map[string]string{
		"user_id":    uuid.NewString(),
		"source_url": "https://example.com/apply",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RunsSubmitted))

	// Rejected submissions are not counted.
	rec = env.do(t, http.MethodPost, "/v1/runs", map[string]string{
		"user_id": uuid.NewString(),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RunsSubmitted))
}

func TestSubmitRunValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing user_id", map[string]string{"source_url": "https://example.com"}},
		{"missing source_url", map[string]string{"user_id": uuid.NewString()}},
		{"bad url", map[string]string{"user_id": uuid.NewString(), "source_url": "not a url"}},
		{"bad uuid", map[string]string{"user_id": "42", "source_url": "https://example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitRunInvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunStatusEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.runner.Start(ctx)

	rec := env.do(t, http.MethodPost, "/v1/runs", map[string]string{
		"user_id":    uuid.NewString(),
		"source_url": "https://example.com/apply",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted struct {
		RunID uuid.UUID `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	require.Eventually(t, func() bool {
		run, err := env.store.LoadRun(context.Background(), submitted.RunID)
		return err == nil && run.Stage.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodGet, "/v1/runs/"+submitted.RunID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status types.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, types.StageComplete, status.Stage)
	assert.Equal(t, 1, status.QuestionsExtracted)
	assert.Equal(t, 1, status.AnswersGenerated)
	require.Len(t, status.Questions, 1)
	assert.Equal(t, "answer to: Why do you deserve this scholarship?", status.Questions[0].Answer)
}

func TestRunStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()
	_, err := env.store.CreateRun(context.Background(), userID, "https://a.example.com")
	require.NoError(t, err)
	_, err = env.store.CreateRun(context.Background(), uuid.New(), "https://b.example.com")
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/runs?user_id="+userID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Runs []json.RawMessage `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 1)

	rec = env.do(t, http.MethodGet, "/v1/runs?stage=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.store.CreateRun(context.Background(), uuid.New(), "https://example.com/apply")
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	loaded, err := env.store.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, loaded.CancelRequested)

	// A finished run cannot be canceled.
	ok, err := env.store.FailRun(context.Background(), run.ID, types.StageFetch, "boom")
	require.NoError(t, err)
	require.True(t, ok)
	rec = env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/runs/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryQuestionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run, err := env.store.CreateRun(ctx, uuid.New(), "https://example.com/apply")
	require.NoError(t, err)

	questions, err := env.store.SaveQuestions(ctx, run.ID, []types.ExtractedQuestion{
		{Text: "Why us?", Kind: types.KindEssay},
	})
	require.NoError(t, err)
	qid := questions[0].ID
	require.NoError(t, env.store.CreateTasks(ctx, run.ID, "digest", []uuid.UUID{qid}))
	_, err = env.store.ClaimTask(ctx, run.ID, qid)
	require.NoError(t, err)
	require.NoError(t, env.store.CompleteTask(ctx, run.ID, qid, types.TaskFailed, "", "model refused"))
	_, err = env.store.AdvanceStage(ctx, run.ID, types.StageFetch, types.StageComplete)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/questions/"+qid.String()+"/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	loaded, err := env.store.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageGenerate, loaded.Stage)

	// A second retry finds nothing failed.
	rec = env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/questions/"+qid.String()+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
