package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/models"
	"github.com/ternarybob/venator/internal/services/captcha"
	"github.com/ternarybob/venator/internal/services/events"
	"github.com/ternarybob/venator/internal/services/tickets"
	"github.com/ternarybob/venator/internal/storage/memory"
)

func newTestCaptchaHandler(t *testing.T) *CaptchaHandler {
	t.Helper()
	logger := common.GetLogger()
	bus := events.NewService(logger)
	t.Cleanup(func() { bus.Close() })

	ticketService := tickets.NewService(memory.NewTicketStore(30*time.Minute), bus, logger, 25*time.Minute, 30*time.Minute)
	manager := captcha.NewManager(
		memory.NewTaskStore(),
		memory.NewLockStore(),
		ticketService,
		bus,
		logger,
		10*time.Minute, 30*time.Second, 5*time.Minute,
	)
	return NewCaptchaHandler(manager, logger)
}

func createTask(t *testing.T, handler *CaptchaHandler, url string) *models.CaptchaTask {
	t.Helper()
	body := fmt.Sprintf(`{"url":%q,"challenge_type":"captcha","priority":7}`, url)
	rec := httptest.NewRecorder()
	handler.CreateTaskHandler(rec, httptest.NewRequest(http.MethodPost, "/api/captcha/tasks", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", rec.Code, rec.Body.String())
	}
	var task models.CaptchaTask
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("invalid task response: %v", err)
	}
	return &task
}

func TestCreateAndGetTask(t *testing.T) {
	handler := newTestCaptchaHandler(t)
	task := createTask(t, handler, "https://blocked.example.com/page")

	if task.UUID == "" {
		t.Fatal("task has no uuid")
	}
	if task.Domain != "blocked.example.com" {
		t.Errorf("expected domain blocked.example.com, got %q", task.Domain)
	}
	if task.Priority != 7 {
		t.Errorf("expected priority 7, got %d", task.Priority)
	}

	rec := httptest.NewRecorder()
	handler.GetTaskHandler(rec, httptest.NewRequest(http.MethodGet, "/api/captcha/tasks/"+task.UUID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.GetTaskHandler(rec, httptest.NewRequest(http.MethodGet, "/api/captcha/tasks/no-such-task", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", rec.Code)
	}
}

func TestListTasksFiltersByDomain(t *testing.T) {
	handler := newTestCaptchaHandler(t)
	createTask(t, handler, "https://one.example.com/a")
	createTask(t, handler, "https://two.example.com/b")

	rec := httptest.NewRecorder()
	handler.ListTasksHandler(rec, httptest.NewRequest(http.MethodGet, "/api/captcha/tasks?domain=one.example.com", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rec.Code)
	}

	var resp struct {
		Tasks []*models.CaptchaTask `json:"tasks"`
		Total int                   `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Total != 1 || len(resp.Tasks) != 1 {
		t.Fatalf("expected 1 task for domain, got total=%d len=%d", resp.Total, len(resp.Tasks))
	}
	if resp.Tasks[0].Domain != "one.example.com" {
		t.Errorf("wrong task returned: %s", resp.Tasks[0].Domain)
	}
}

func TestAssignConflicts(t *testing.T) {
	handler := newTestCaptchaHandler(t)
	task := createTask(t, handler, "https://blocked.example.com/page")

	assign := func(operator string) *httptest.ResponseRecorder {
		body := fmt.Sprintf(`{"operator_id":%q}`, operator)
		rec := httptest.NewRecorder()
		handler.AssignTaskHandler(rec, httptest.NewRequest(http.MethodPost,
			"/api/captcha/tasks/"+task.UUID+"/assign", strings.NewReader(body)))
		return rec
	}

	if rec := assign("alice"); rec.Code != http.StatusOK {
		t.Fatalf("first assign failed: %d %s", rec.Code, rec.Body.String())
	}
	if rec := assign("bob"); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for second assign, got %d", rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.AssignTaskHandler(rec, httptest.NewRequest(http.MethodPost,
		"/api/captcha/tasks/"+task.UUID+"/assign", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing operator_id, got %d", rec.Code)
	}
}

func TestSubmitSolutionCachesSession(t *testing.T) {
	handler := newTestCaptchaHandler(t)
	task := createTask(t, handler, "https://blocked.example.com/page")

	solution := map[string]any{
		"type": "cookie",
		"payload": map[string]any{
			"cookies": []map[string]any{
				{"name": "cf_clearance", "value": "tok", "domain": ".blocked.example.com", "path": "/"},
			},
			"user_agent": "Mozilla/5.0 (solved)",
			"expires_at": time.Now().Add(20 * time.Minute).Format(time.RFC3339),
		},
	}
	body, _ := json.Marshal(solution)

	rec := httptest.NewRecorder()
	handler.SubmitSolutionHandler(rec, httptest.NewRequest(http.MethodPost,
		"/api/captcha/tasks/"+task.UUID+"/solve", strings.NewReader(string(body))))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit failed: %d %s", rec.Code, rec.Body.String())
	}

	var solved models.CaptchaTask
	if err := json.Unmarshal(rec.Body.Bytes(), &solved); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if solved.Status != models.TaskSolved {
		t.Errorf("expected solved, got %s", solved.Status)
	}

	// The solution is now retrievable as a cached session.
	rec = httptest.NewRecorder()
	handler.GetSessionHandler(rec, httptest.NewRequest(http.MethodGet, "/api/captcha/sessions/blocked.example.com", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cached session, got %d", rec.Code)
	}

	var sessionResp struct {
		HasSession bool                 `json:"has_session"`
		Session    *models.GoldenTicket `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sessionResp); err != nil {
		t.Fatalf("invalid session response: %v", err)
	}
	if !sessionResp.HasSession || sessionResp.Session == nil {
		t.Fatalf("expected has_session=true with a ticket, got %s", rec.Body.String())
	}
	if !sessionResp.Session.HasCloudflareClearance() {
		t.Error("expected clearance cookie in cached ticket")
	}

	// Double-submit is rejected without clobbering the solved state.
	rec = httptest.NewRecorder()
	handler.SubmitSolutionHandler(rec, httptest.NewRequest(http.MethodPost,
		"/api/captcha/tasks/"+task.UUID+"/solve", strings.NewReader(string(body))))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for double submit, got %d", rec.Code)
	}
}

func TestSessionMissReportsNoSession(t *testing.T) {
	handler := newTestCaptchaHandler(t)

	rec := httptest.NewRecorder()
	handler.GetSessionHandler(rec, httptest.NewRequest(http.MethodGet, "/api/captcha/sessions/cold.example.com", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var sessionResp struct {
		HasSession bool `json:"has_session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sessionResp); err != nil {
		t.Fatalf("invalid session response: %v", err)
	}
	if sessionResp.HasSession {
		t.Error("expected has_session=false for cold domain")
	}
}

func TestMarkUnsolvableIsAbsorbing(t *testing.T) {
	handler := newTestCaptchaHandler(t)
	task := createTask(t, handler, "https://blocked.example.com/page")

	rec := httptest.NewRecorder()
	handler.MarkUnsolvableHandler(rec, httptest.NewRequest(http.MethodPost,
		"/api/captcha/tasks/"+task.UUID+"/mark-unsolvable", strings.NewReader(`{"reason":"image grid unreadable"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unsolvable failed: %d %s", rec.Code, rec.Body.String())
	}

	// No assignment can revive it.
	rec = httptest.NewRecorder()
	handler.AssignTaskHandler(rec, httptest.NewRequest(http.MethodPost,
		"/api/captcha/tasks/"+task.UUID+"/assign", strings.NewReader(`{"operator_id":"alice"}`)))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 after unsolvable, got %d", rec.Code)
	}
}
