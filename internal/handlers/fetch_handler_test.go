package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// fakeQueue records enqueued payloads and serves canned jobs and results.
type fakeQueue struct {
	enqueued  []models.FetchRequest
	jobs      map[string]*models.Job
	results   map[string]*models.TierResult
	cancelErr error
	nextID    string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:    make(map[string]*models.Job),
		results: make(map[string]*models.TierResult),
		nextID:  "job-1",
	}
}

func (q *fakeQueue) Enqueue(ctx context.Context, function string, payload []byte) (string, error) {
	var req models.FetchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", err
	}
	q.enqueued = append(q.enqueued, req)
	return q.nextID, nil
}

func (q *fakeQueue) Status(ctx context.Context, jobID string) (*models.Job, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return job, nil
}

func (q *fakeQueue) Result(ctx context.Context, jobID string) (*models.TierResult, error) {
	res, ok := q.results[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return res, nil
}

func (q *fakeQueue) Cancel(ctx context.Context, jobID string) error {
	if _, ok := q.jobs[jobID]; !ok {
		return models.ErrJobNotFound
	}
	return q.cancelErr
}

func (q *fakeQueue) RegisterHandler(function string, handler interfaces.JobHandler) {}
func (q *fakeQueue) Start() error                                                  { return nil }
func (q *fakeQueue) Stop() error                                                   { return nil }

func newTestFetchHandler(q *fakeQueue) *FetchHandler {
	return NewFetchHandler(q, common.GetLogger())
}

func TestSubmitQueuesJob(t *testing.T) {
	queue := newFakeQueue()
	handler := newTestFetchHandler(queue)

	body := `{"url":"https://example.com/page","strategy":"auto","options":{"profile_id":"p1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/fetch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["job_id"] != "job-1" {
		t.Errorf("expected job_id job-1, got %q", resp["job_id"])
	}
	if resp["status"] != "queued" {
		t.Errorf("expected status queued, got %q", resp["status"])
	}

	if len(queue.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued request, got %d", len(queue.enqueued))
	}
	if queue.enqueued[0].Options == nil || queue.enqueued[0].Options.ProfileID != "p1" {
		t.Errorf("options not carried through: %+v", queue.enqueued[0].Options)
	}
}

func TestSubmitRejectsUnknownFields(t *testing.T) {
	handler := newTestFetchHandler(newFakeQueue())

	body := `{"url":"https://example.com/","bogus":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/fetch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.SubmitHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestSubmitRejectsBadURL(t *testing.T) {
	handler := newTestFetchHandler(newFakeQueue())

	for _, body := range []string{
		`{"url":"ftp://example.com/file"}`,
		`{"url":""}`,
		`{"url":"https://example.com/","strategy":"warp_speed"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/fetch", strings.NewReader(body))
		rec := httptest.NewRecorder()
		handler.SubmitHandler(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestStatusUnknownJob(t *testing.T) {
	handler := newTestFetchHandler(newFakeQueue())

	req := httptest.NewRequest(http.MethodGet, "/api/fetch/missing", nil)
	rec := httptest.NewRecorder()
	handler.StatusHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestResultOnlyAfterCompletion(t *testing.T) {
	queue := newFakeQueue()
	queue.jobs["job-9"] = &models.Job{ID: "job-9", Status: models.JobInProgress}
	handler := newTestFetchHandler(queue)

	// Result is withheld while the job runs.
	req := httptest.NewRequest(http.MethodGet, "/api/fetch/job-9/result", nil)
	rec := httptest.NewRecorder()
	handler.ResultHandler(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 while in progress, got %d", rec.Code)
	}

	queue.results["job-9"] = &models.TierResult{
		Success:    true,
		Content:    "<html>ok</html>",
		StatusCode: 200,
		TierUsed:   models.TierRequest,
	}

	rec = httptest.NewRecorder()
	handler.ResultHandler(rec, httptest.NewRequest(http.MethodGet, "/api/fetch/job-9/result", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		JobID  string             `json:"job_id"`
		Status string             `json:"status"`
		Result *models.TierResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Status != "success" {
		t.Errorf("expected derived status success, got %q", resp.Status)
	}
	if resp.Result == nil || resp.Result.Content != "<html>ok</html>" {
		t.Errorf("result content not returned")
	}
}

func TestCancelStatusCodes(t *testing.T) {
	queue := newFakeQueue()
	queue.jobs["queued"] = &models.Job{ID: "queued", Status: models.JobQueued}
	handler := newTestFetchHandler(queue)

	rec := httptest.NewRecorder()
	handler.CancelHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/fetch/queued", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for queued job, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.CancelHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/fetch/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", rec.Code)
	}

	queue.cancelErr = models.ErrJobConflict
	rec = httptest.NewRecorder()
	handler.CancelHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/fetch/queued", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for running job, got %d", rec.Code)
	}
}
