// Package hitl implements the human-in-the-loop fallback: when every
// automated tier fails, a browser is opened on the challenge page and
// streamed to an operator, and the solved session is harvested into a
// golden ticket.
package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/challenge"
	"github.com/ternarybob/venator/internal/common"
	"github.com/ternarybob/venator/internal/interfaces"
	"github.com/ternarybob/venator/internal/models"
)

// pollInterval is how often the page is re-read while waiting for an
// operator or for the challenge to clear on its own.
const pollInterval = 2 * time.Second

// browserSession is one exclusive browser bound to a HITL session. The
// chromedp implementation lives in browser.go; tests substitute a fake.
type browserSession interface {
	Navigate(ctx context.Context, url string) error
	Page(ctx context.Context) (html string, statusCode int, err error)
	Cookies(ctx context.Context) ([]models.Cookie, error)
	UserAgent(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	DispatchInput(ctx context.Context, event interfaces.InputEvent) error
	Close()
}

// browserLauncher opens a browser bound to the domain's profile.
type browserLauncher func(ctx context.Context, domain string) (browserSession, error)

// activeSession is the in-memory state of one running HITL session.
type activeSession struct {
	mu      sync.Mutex
	model   *models.HITLSession
	browser browserSession

	attachOnce sync.Once
	attached   chan struct{}
	doneOnce   sync.Once
	done       chan struct{}
}

func (s *activeSession) snapshot() *models.HITLSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.model
	return &copied
}

func (s *activeSession) finish(transition func(*models.HITLSession)) {
	s.mu.Lock()
	transition(s.model)
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Service implements the HITL flow and session registry.
type Service struct {
	tickets  ticketReader
	captcha  interfaces.CaptchaTaskService
	events   interfaces.EventService
	detector *challenge.Detector
	logger   arbor.ILogger
	launch   browserLauncher

	adminTimeout time.Duration
	solveTimeout time.Duration
	poll         time.Duration

	mu       sync.Mutex
	sessions map[string]*activeSession
	closed   bool
}

// ticketReader is the slice of the ticket service the cache check needs.
type ticketReader interface {
	Get(ctx context.Context, domain string) (*models.GoldenTicket, error)
}

// NewService wires the HITL flow. The launcher is the production chromedp
// browser from NewBrowserLauncher.
func NewService(tickets ticketReader, captcha interfaces.CaptchaTaskService, events interfaces.EventService, detector *challenge.Detector, logger arbor.ILogger, launch browserLauncher, adminTimeout, solveTimeout time.Duration) *Service {
	return &Service{
		tickets:      tickets,
		captcha:      captcha,
		events:       events,
		detector:     detector,
		logger:       logger,
		launch:       launch,
		adminTimeout: adminTimeout,
		solveTimeout: solveTimeout,
		poll:         pollInterval,
		sessions:     make(map[string]*activeSession),
	}
}

var _ interfaces.HITLService = (*Service)(nil)

// Resolve runs the full HITL flow for one URL.
func (s *Service) Resolve(ctx context.Context, url string, options *models.FetchOptions) *models.TierResult {
	domain := common.Domain(url)

	// A fresh cached ticket means no human is needed at all.
	if ticket, err := s.tickets.Get(ctx, domain); err == nil && ticket != nil {
		result := &models.TierResult{
			Success:   true,
			TierUsed:  models.TierHITL,
			ErrorType: models.ErrorNone,
		}
		result.SetMeta("golden_ticket", ticket.Summary())
		result.SetMeta("hitl_status", "cache_hit")
		return result
	}

	opts := options
	if opts == nil {
		opts = &models.FetchOptions{}
	}

	task, err := s.captcha.Create(ctx, interfaces.CreateTaskInput{
		URL:           url,
		ChallengeType: models.ChallengeCaptcha,
		ProxyURL:      opts.ProxyURL,
		UserAgent:     opts.UserAgent,
	})
	if err != nil {
		return models.Failure(models.TierHITL, models.ErrorUnknown, "failed to create solve task: "+err.Error())
	}

	sess := &activeSession{
		model: &models.HITLSession{
			SessionID:           common.NewSessionID(),
			TaskUUID:            task.UUID,
			URL:                 url,
			Domain:              domain,
			Status:              models.HITLWaitingAdmin,
			CreatedAt:           time.Now(),
			AdminConnectTimeout: s.adminTimeout,
			SolveTimeout:        s.solveTimeout,
		},
		attached: make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.Failure(models.TierHITL, models.ErrorUnknown, "hitl service is closed")
	}
	s.sessions[sess.model.SessionID] = sess
	s.mu.Unlock()
	// Every exit path below finishes the session first, so eviction here
	// only ever removes terminal sessions.
	defer s.removeSession(sess.model.SessionID)

	browser, err := s.launch(ctx, domain)
	if err != nil {
		sess.finish(func(m *models.HITLSession) { m.MarkFailed() })
		return s.crashResult(sess, "failed to launch browser: "+err.Error())
	}
	defer browser.Close()
	sess.mu.Lock()
	sess.browser = browser
	sess.mu.Unlock()

	if err := browser.Navigate(ctx, url); err != nil {
		sess.finish(func(m *models.HITLSession) { m.MarkFailed() })
		return s.crashResult(sess, "failed to open challenge page: "+err.Error())
	}

	s.publish(ctx, interfaces.EventHITLRequired, map[string]any{
		"session_id":     sess.model.SessionID,
		"url":            url,
		"domain":         domain,
		"challenge_type": string(task.ChallengeType),
	})
	s.logger.Info().
		Str("session_id", sess.model.SessionID).
		Str("domain", domain).
		Msg("HITL session opened, waiting for operator")

	return s.run(ctx, sess, task.UUID)
}

// run drives the two wait phases and the harvest.
func (s *Service) run(ctx context.Context, sess *activeSession, taskUUID string) *models.TierResult {
	adminDeadline := time.NewTimer(s.adminTimeout)
	defer adminDeadline.Stop()

	// Phase 1: wait for an operator, polling for self-resolution. Managed
	// challenges sometimes clear without help once the page sits long
	// enough.
	for {
		select {
		case <-ctx.Done():
			sess.finish(func(m *models.HITLSession) { m.MarkFailed() })
			return s.captchaFailure(sess, "cancelled")
		case <-adminDeadline.C:
			sess.finish(func(m *models.HITLSession) { m.MarkFailed() })
			s.logger.Warn().Str("session_id", sess.model.SessionID).Msg("No operator connected in time")
			return s.captchaFailure(sess, "admin_timeout")
		case <-sess.attached:
			return s.awaitSolve(ctx, sess, taskUUID)
		case <-time.After(s.poll):
			solved, result := s.checkPage(ctx, sess, taskUUID)
			if solved {
				return result
			}
			if result != nil {
				return result
			}
		}
	}
}

// awaitSolve is phase 2: an operator is connected and has solveTimeout to
// clear the challenge.
func (s *Service) awaitSolve(ctx context.Context, sess *activeSession, taskUUID string) *models.TierResult {
	solveDeadline := time.NewTimer(s.solveTimeout)
	defer solveDeadline.Stop()

	for {
		select {
		case <-ctx.Done():
			sess.finish(func(m *models.HITLSession) { m.MarkFailed() })
			return s.captchaFailure(sess, "cancelled")
		case <-solveDeadline.C:
			sess.finish(func(m *models.HITLSession) { m.MarkExpired() })
			s.logger.Warn().Str("session_id", sess.model.SessionID).Msg("Operator did not solve in time")
			return s.captchaFailure(sess, "solve_timeout")
		case <-time.After(s.poll):
			solved, result := s.checkPage(ctx, sess, taskUUID)
			if solved {
				return result
			}
			if result != nil {
				return result
			}
		}
	}
}

// checkPage polls the browser. Returns (true, result) on a successful
// harvest, (false, result) on a fatal browser error, (false, nil) when the
// challenge is still up.
func (s *Service) checkPage(ctx context.Context, sess *activeSession, taskUUID string) (bool, *models.TierResult) {
	html, statusCode, err := sess.browser.Page(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		sess.finish(func(m *models.HITLSession) { m.MarkFailed() })
		result := models.Failure(models.TierHITL, models.ErrorBrowserCrash, "browser lost mid-session: "+err.Error())
		result.ShouldEscalate = false
		result.SetMeta("session_id", sess.model.SessionID)
		result.SetMeta("hitl_status", "browser_crash")
		return false, result
	}

	if !s.detector.IsClean(html, statusCode) {
		return false, nil
	}
	return true, s.harvest(ctx, sess, taskUUID, html, statusCode)
}

// harvest extracts the solved session into a golden ticket and finalises
// the task and session.
func (s *Service) harvest(ctx context.Context, sess *activeSession, taskUUID, html string, statusCode int) *models.TierResult {
	cookies, err := sess.browser.Cookies(ctx)
	if err != nil {
		sess.finish(func(m *models.HITLSession) { m.MarkFailed() })
		return s.harvestFailure(sess, "cookie extraction failed: "+err.Error())
	}
	if len(cookies) == 0 {
		sess.finish(func(m *models.HITLSession) { m.MarkFailed() })
		return s.harvestFailure(sess, "solved page yielded no cookies")
	}
	if sess.model.Domain == "" {
		sess.finish(func(m *models.HITLSession) { m.MarkFailed() })
		return s.harvestFailure(sess, "session has no domain")
	}

	userAgent, err := sess.browser.UserAgent(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.model.SessionID).Msg("Could not read browser user agent")
	}

	solution := &models.SolverResult{
		Type:      models.SolutionCookie,
		Cookies:   orderClearanceFirst(cookies),
		UserAgent: userAgent,
	}
	if _, err := s.captcha.SubmitSolution(ctx, taskUUID, solution); err != nil {
		sess.finish(func(m *models.HITLSession) { m.MarkFailed() })
		return s.harvestFailure(sess, "failed to record solution: "+err.Error())
	}

	sess.finish(func(m *models.HITLSession) { m.MarkSolved() })
	s.logger.Info().
		Str("session_id", sess.model.SessionID).
		Str("domain", sess.model.Domain).
		Int("cookies", len(cookies)).
		Msg("HITL session solved, ticket harvested")

	result := &models.TierResult{
		Success:           true,
		Content:           html,
		StatusCode:        statusCode,
		TierUsed:          models.TierHITL,
		ResponseSizeBytes: len(html),
		ErrorType:         models.ErrorNone,
	}
	if ticket, err := s.captcha.GetCachedSession(ctx, sess.model.Domain); err == nil && ticket != nil {
		result.SetMeta("golden_ticket", ticket.Summary())
	}
	result.SetMeta("session_id", sess.model.SessionID)
	result.SetMeta("hitl_status", "solved")
	return result
}

// removeSession evicts a finished session so the registry does not grow
// over the process lifetime.
func (s *Service) removeSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Session returns a session snapshot by id, or nil.
func (s *Service) Session(sessionID string) *models.HITLSession {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.snapshot()
}

// Sessions lists sessions that have not reached a terminal state.
func (s *Service) Sessions() []*models.HITLSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.HITLSession
	for _, sess := range s.sessions {
		snap := sess.snapshot()
		if !snap.Status.IsTerminal() {
			out = append(out, snap)
		}
	}
	return out
}

// AttachOperator binds an operator to a waiting session and returns the
// streaming bridge. Re-attaching to an in-progress session is allowed so a
// dropped websocket can resume.
func (s *Service) AttachOperator(ctx context.Context, sessionID string) (interfaces.StreamBridge, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}

	sess.mu.Lock()
	switch sess.model.Status {
	case models.HITLWaitingAdmin:
		if err := sess.model.AdminConnected(); err != nil {
			sess.mu.Unlock()
			return nil, err
		}
	case models.HITLInProgress:
		// resume
	default:
		status := sess.model.Status
		sess.mu.Unlock()
		return nil, fmt.Errorf("session %s is %s", sessionID, status)
	}
	browser := sess.browser
	sess.mu.Unlock()

	if browser == nil {
		return nil, fmt.Errorf("session %s has no browser", sessionID)
	}

	sess.attachOnce.Do(func() { close(sess.attached) })
	s.logger.Info().Str("session_id", sessionID).Msg("Operator attached")

	return &streamBridge{browser: browser, session: sess}, nil
}

// Close marks the service closed. Running sessions finish on their own
// timeouts; their browsers are closed by their Resolve calls.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Service) captchaFailure(sess *activeSession, subtype string) *models.TierResult {
	result := models.Failure(models.TierHITL, models.ErrorCaptchaRequired, "hitl did not resolve: "+subtype)
	result.ShouldEscalate = false
	result.SetMeta("session_id", sess.model.SessionID)
	result.SetMeta("hitl_status", subtype)
	return result
}

func (s *Service) harvestFailure(sess *activeSession, msg string) *models.TierResult {
	result := models.Failure(models.TierHITL, models.ErrorCaptchaRequired, msg)
	result.ShouldEscalate = false
	result.SetMeta("session_id", sess.model.SessionID)
	result.SetMeta("hitl_status", "harvesting_error")
	return result
}

func (s *Service) crashResult(sess *activeSession, msg string) *models.TierResult {
	result := models.Failure(models.TierHITL, models.ErrorBrowserCrash, msg)
	result.ShouldEscalate = false
	result.SetMeta("session_id", sess.model.SessionID)
	result.SetMeta("hitl_status", "browser_crash")
	return result
}

func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]any) {
	event := interfaces.Event{Type: eventType, Payload: payload, Timestamp: time.Now()}
	if err := s.events.Publish(ctx, interfaces.CaptchaChannel, event); err != nil {
		s.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}

// orderClearanceFirst puts clearance cookies at the front so replay order
// matches what origins expect.
func orderClearanceFirst(cookies []models.Cookie) []models.Cookie {
	ordered := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == models.CloudflareClearanceCookie {
			ordered = append(ordered, c)
		}
	}
	for _, c := range cookies {
		if c.Name != models.CloudflareClearanceCookie {
			ordered = append(ordered, c)
		}
	}
	return ordered
}
