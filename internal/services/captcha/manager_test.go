package captcha

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
	"github.com/ternarybob/venator/internal/services/events"
	"github.com/ternarybob/venator/internal/services/tickets"
	"github.com/ternarybob/venator/internal/storage/memory"
)

func newTestManager(t *testing.T) (*Manager, interfaces.EventService) {
	t.Helper()
	logger := common.GetLogger()
	bus := events.NewService(logger)
	t.Cleanup(func() { bus.Close() })

	ticketStore := memory.NewTicketStore(30 * time.Minute)
	ticketService := tickets.NewService(ticketStore, bus, logger, 25*time.Minute, 30*time.Minute)

	manager := NewManager(
		memory.NewTaskStore(),
		memory.NewLockStore(),
		ticketService,
		bus,
		logger,
		10*time.Minute, // task TTL
		30*time.Second, // lock TTL
		5*time.Minute,  // solution wait
	)
	return manager, bus
}

func createTask(t *testing.T, m *Manager, url string) *models.CaptchaTask {
	t.Helper()
	task, err := m.Create(context.Background(), interfaces.CreateTaskInput{
		URL:           url,
		ChallengeType: models.ChallengeTurnstile,
		UserAgent:     "Mozilla/5.0 test",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return task
}

func solution() *models.SolverResult {
	return &models.SolverResult{
		Type: models.SolutionCookie,
		Cookies: []models.Cookie{
			{Name: models.CloudflareClearanceCookie, Value: "tok", Domain: ".example.com", Path: "/"},
		},
		UserAgent: "Mozilla/5.0 test",
	}
}

func TestCreateDefaults(t *testing.T) {
	m, _ := newTestManager(t)
	task := createTask(t, m, "https://Example.com/protected")

	if task.Domain != "example.com" {
		t.Errorf("domain = %q", task.Domain)
	}
	if task.Status != models.TaskPending {
		t.Errorf("status = %q", task.Status)
	}
	if task.Priority != 5 {
		t.Errorf("default priority = %d", task.Priority)
	}
	if !task.ExpiresAt.After(time.Now()) {
		t.Error("expires_at not in the future")
	}
}

func TestAssignLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	task := createTask(t, m, "https://example.com/x")
	ctx := context.Background()

	assigned, err := m.Assign(ctx, task.UUID, "operator-1")
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if assigned.Status != models.TaskAssigned || assigned.AssignedTo != "operator-1" {
		t.Errorf("assignment state: %s/%s", assigned.Status, assigned.AssignedTo)
	}

	// A second assign of an already-assigned task fails.
	if _, err := m.Assign(ctx, task.UUID, "operator-2"); !errors.Is(err, models.ErrTaskNotAssignable) {
		t.Errorf("second assign error = %v", err)
	}
}

// At most one operator may win a concurrent assignment race.
func TestAssignConcurrentUniqueness(t *testing.T) {
	m, _ := newTestManager(t)
	task := createTask(t, m, "https://example.com/x")

	const operators = 8
	var wg sync.WaitGroup
	wins := make(chan string, operators)

	for i := 0; i < operators; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			operator := "op-" + string(rune('a'+id))
			if _, err := m.Assign(context.Background(), task.UUID, operator); err == nil {
				wins <- operator
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Errorf("assignment winners = %d, want 1", winners)
	}
}

func TestSubmitSolutionStoresTicket(t *testing.T) {
	m, bus := newTestManager(t)
	task := createTask(t, m, "https://example.com/x")
	ctx := context.Background()

	sub := bus.SubscribeFiltered(interfaces.CaptchaChannel, "example.com", interfaces.EventSolved)
	defer sub.Close()

	solved, err := m.SubmitSolution(ctx, task.UUID, solution())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if solved.Status != models.TaskSolved || solved.SolvedAt == nil {
		t.Errorf("solved state: %s", solved.Status)
	}

	ticket, err := m.GetCachedSession(ctx, "example.com")
	if err != nil {
		t.Fatalf("cached session lookup failed: %v", err)
	}
	if ticket == nil || !ticket.HasCloudflareClearance() {
		t.Error("solution did not produce a cached ticket with clearance")
	}
	if ticket.UserAgent != "Mozilla/5.0 test" {
		t.Errorf("ticket user agent = %q", ticket.UserAgent)
	}

	select {
	case event := <-sub.Events():
		if event.Payload["task_uuid"] != task.UUID {
			t.Errorf("solved event for wrong task: %v", event.Payload["task_uuid"])
		}
	case <-time.After(time.Second):
		t.Fatal("no solved event")
	}
}

func TestDoubleSolveRejectedWithoutSecondEvent(t *testing.T) {
	m, bus := newTestManager(t)
	task := createTask(t, m, "https://example.com/x")
	ctx := context.Background()

	sub := bus.SubscribeFiltered(interfaces.CaptchaChannel, "example.com", interfaces.EventSolved)
	defer sub.Close()

	if _, err := m.SubmitSolution(ctx, task.UUID, solution()); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if _, err := m.SubmitSolution(ctx, task.UUID, solution()); err == nil {
		t.Fatal("second submit should be rejected")
	}

	// Exactly one solved event.
	<-sub.Events()
	select {
	case event := <-sub.Events():
		t.Errorf("double-publish: second %q event", event.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMarkUnsolvableIsAbsorbing(t *testing.T) {
	m, _ := newTestManager(t)
	task := createTask(t, m, "https://example.com/x")
	ctx := context.Background()

	if _, err := m.MarkUnsolvable(ctx, task.UUID, "impossible puzzle"); err != nil {
		t.Fatalf("mark unsolvable failed: %v", err)
	}

	if _, err := m.Assign(ctx, task.UUID, "op-1"); err == nil {
		t.Error("assign after unsolvable should fail")
	}
	if _, err := m.SubmitSolution(ctx, task.UUID, solution()); err == nil {
		t.Error("solve after unsolvable should fail")
	}
}

func TestListOrdering(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	low := createTask(t, m, "https://a.example.com/x")
	mid, err := m.Create(ctx, interfaces.CreateTaskInput{URL: "https://b.example.com/x", Priority: 7})
	if err != nil {
		t.Fatal(err)
	}
	high, err := m.Create(ctx, interfaces.CreateTaskInput{URL: "https://c.example.com/x", Priority: 9})
	if err != nil {
		t.Fatal(err)
	}

	tasks, total, err := m.List(ctx, interfaces.TaskFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 3 || len(tasks) != 3 {
		t.Fatalf("total=%d len=%d", total, len(tasks))
	}
	if tasks[0].UUID != high.UUID || tasks[1].UUID != mid.UUID || tasks[2].UUID != low.UUID {
		t.Error("tasks not ordered by priority desc")
	}

	// Pagination keeps the total.
	page, total, err := m.List(ctx, interfaces.TaskFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(page) != 1 || page[0].UUID != mid.UUID {
		t.Errorf("paged list total=%d len=%d", total, len(page))
	}
}

func TestExpireDue(t *testing.T) {
	m, bus := newTestManager(t)
	ctx := context.Background()

	task := createTask(t, m, "https://example.com/x")

	// Force the deadline into the past.
	stored, err := m.Get(ctx, task.UUID)
	if err != nil {
		t.Fatal(err)
	}
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	if err := m.tasks.Update(ctx, stored); err != nil {
		t.Fatal(err)
	}

	sub := bus.SubscribeFiltered(interfaces.CaptchaChannel, "example.com", interfaces.EventExpired)
	defer sub.Close()

	count, err := m.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire sweep failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expired count = %d", count)
	}

	got, err := m.Get(ctx, task.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TaskExpired {
		t.Errorf("status = %q", got.Status)
	}

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("no expired event")
	}

	// Terminal tasks are not swept twice.
	count, err = m.ExpireDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("second sweep expired %d", count)
	}
}

func TestWaitForSolution(t *testing.T) {
	m, _ := newTestManager(t)
	task := createTask(t, m, "https://example.com/x")

	done := make(chan *models.GoldenTicket, 1)
	go func() {
		ticket, _ := m.WaitForSolution(context.Background(), "example.com", 5*time.Second)
		done <- ticket
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := m.SubmitSolution(context.Background(), task.UUID, solution()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case ticket := <-done:
		if ticket == nil {
			t.Fatal("WaitForSolution returned nil after solve")
		}
		if ticket.Domain != "example.com" {
			t.Errorf("ticket domain = %q", ticket.Domain)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSolution did not return")
	}
}

func TestWaitForSolutionTimeout(t *testing.T) {
	m, _ := newTestManager(t)

	ticket, err := m.WaitForSolution(context.Background(), "nothing.example", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("wait errored: %v", err)
	}
	if ticket != nil {
		t.Error("expected nil on timeout")
	}
}
