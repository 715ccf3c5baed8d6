// Package pipeline orchestrates one request end to end: rate limit at the
// door, parse, authorize, execute (or park behind a confirmation), then
// audit and respond. Each request moves through a fixed state machine and
// leaves exactly one command log entry, terminal state included.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"erppilot/internal/audit"
	"erppilot/internal/executor"
	"erppilot/internal/gateway"
	"erppilot/internal/guard"
	"erppilot/internal/logging"
	"erppilot/internal/metrics"
	"erppilot/internal/parser"
	"erppilot/internal/prefs"
	"erppilot/internal/rbac"
	"erppilot/internal/types"
)

// Request states, recorded in logs and metrics.
const (
	StateReceived       = "received"
	StateParsing        = "parsing"
	StateAuthorizing    = "authorizing"
	StatePendingConfirm = "pending_confirmation"
	StateExecuting      = "executing"
	StateLogging        = "logging"
	StateResponded      = "responded"
	StateAborted        = "aborted"
)

// Status is the service health reported to users.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Reply is the user-facing result of one message.
type Reply struct {
	Success        bool   `json:"success"`
	Response       string `json:"response"`
	ActionExecuted string `json:"action_executed,omitempty"`
	Err            string `json:"error,omitempty"`
}

// Options configures the service.
type Options struct {
	UserRequestsPerMinute int
	ConfidenceFloor       float64
	ConfirmTTL            time.Duration
	HistoryWindow         int
	MaxInputLength        int
}

// Service wires the pipeline components together.
type Service struct {
	parser   *parser.Parser
	guard    *guard.Guard
	executor *executor.Executor
	client   gateway.CompletionClient
	recorder *audit.Recorder
	oracle   *rbac.Oracle
	prefs    *prefs.Store

	limiter       *userLimiter
	pending       *pendingStore
	historyWindow int
	maxInput      int
	floor         float64
}

// NewService creates the orchestrator.
func NewService(
	p *parser.Parser,
	g *guard.Guard,
	exec *executor.Executor,
	client gateway.CompletionClient,
	recorder *audit.Recorder,
	oracle *rbac.Oracle,
	prefStore *prefs.Store,
	opts Options,
) *Service {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 5
	}
	if opts.MaxInputLength <= 0 {
		opts.MaxInputLength = parser.MaxInputBytes
	}
	return &Service{
		parser:        p,
		guard:         g,
		executor:      exec,
		client:        client,
		recorder:      recorder,
		oracle:        oracle,
		prefs:         prefStore,
		limiter:       newUserLimiter(opts.UserRequestsPerMinute, time.Minute),
		pending:       newPendingStore(opts.ConfirmTTL),
		historyWindow: opts.HistoryWindow,
		maxInput:      opts.MaxInputLength,
		floor:         opts.ConfidenceFloor,
	}
}

// SetUserRateLimit applies a new per-user limit, used by config hot-reload.
func (s *Service) SetUserRateLimit(perMinute int) {
	s.limiter.setLimit(perMinute)
}

// run tracks one request through the state machine.
type run struct {
	requestID      string
	userID         string
	conversationID string
	rawText        string
	started        time.Time

	intent  *types.Intent
	auth    *types.Authorization
	outcome *types.Outcome

	parseDur     time.Duration
	authorizeDur time.Duration
	executeDur   time.Duration
}

// ProcessMessage handles one user message. The returned error is non-nil
// only for caller mistakes (empty user id); everything else is reported
// inside the Reply so conversational surfaces can render it.
func (s *Service) ProcessMessage(ctx context.Context, userID, conversationID, text string) (Reply, error) {
	if userID == "" {
		return Reply{}, fmt.Errorf("user id required")
	}

	r := &run{
		requestID:      uuid.NewString(),
		userID:         userID,
		conversationID: conversationID,
		rawText:        text,
		started:        time.Now(),
	}
	log := logging.WithRequestID(logging.CategoryPipeline, r.requestID)
	log.Info("received: user=%s conv=%s len=%d", userID, conversationID, len(text))

	// received: rate limit before any work.
	if !s.limiter.allow(userID) {
		metrics.RateLimited.Inc()
		metrics.RequestsTotal.WithLabelValues(StateAborted).Inc()
		log.Warn("rate limited")
		reply := Reply{Err: string(types.ErrRateLimited), Response: "You're sending requests too quickly; please wait a moment."}
		s.record(r, reply.Response)
		return reply, nil
	}

	text = sanitize(text, s.maxInput)
	r.rawText = text

	// A parked confirmation is resolved by whatever the user says next.
	if p, ok := s.pending.take(userID, conversationID); ok {
		if isAffirmative(text) {
			log.Info("confirmation accepted for %s, re-entering at executing", p.intent.Action)
			r.intent = p.intent
			r.auth = &types.Authorization{
				Decision:    types.DecisionAllow,
				Reason:      "confirmed by user",
				MatchedRole: p.auth.MatchedRole,
			}
			return s.execute(ctx, r, log)
		}
		log.Info("pending %s discarded by non-affirmative follow-up", p.intent.Action)
		// Fall through and treat the message as a fresh request.
	}

	// parsing
	parseStart := time.Now()
	intent, parseErr := s.parse(ctx, r)
	r.parseDur = time.Since(parseStart)
	metrics.ObserveStage("parse", r.parseDur)
	if parseErr != nil {
		reply := s.parseFailureReply(parseErr)
		metrics.RequestsTotal.WithLabelValues(StateAborted).Inc()
		s.record(r, reply.Response)
		return reply, nil
	}
	r.intent = intent

	// A cancelled request still logs its parse but never executes.
	if ctx.Err() != nil {
		log.Warn("cancelled after parse")
		reply := Reply{Err: string(types.ErrTimeout), Response: "The request was cancelled."}
		s.record(r, reply.Response)
		return reply, nil
	}

	// authorizing
	authStart := time.Now()
	auth := s.guard.AuthorizeWithFloor(ctx, userID, intent, s.effectiveFloor(ctx, userID))
	r.authorizeDur = time.Since(authStart)
	r.auth = &auth
	metrics.ObserveStage("authorize", r.authorizeDur)
	metrics.DecisionsTotal.WithLabelValues(string(auth.Decision)).Inc()

	switch auth.Decision {
	case types.DecisionDeny:
		log.Info("denied: %s", auth.Reason)
		metrics.RequestsTotal.WithLabelValues(StateResponded).Inc()
		reply := Reply{Err: string(auth.Kind), Response: auth.Reason}
		s.record(r, reply.Response)
		return reply, nil

	case types.DecisionConfirm:
		prompt := s.confirmationPrompt(intent, auth)
		s.pending.put(userID, conversationID, &pendingIntent{
			intent:    intent,
			auth:      auth,
			requestID: r.requestID,
		})
		log.Info("parked for confirmation: %s", intent.Action)
		metrics.RequestsTotal.WithLabelValues(StatePendingConfirm).Inc()
		reply := Reply{Success: true, Response: prompt}
		s.record(r, prompt)
		return reply, nil
	}

	if ctx.Err() != nil {
		log.Warn("cancelled after authorization")
		reply := Reply{Err: string(types.ErrTimeout), Response: "The request was cancelled."}
		s.record(r, reply.Response)
		return reply, nil
	}

	return s.execute(ctx, r, log)
}

// execute runs the executing -> logging -> responded tail of the machine.
func (s *Service) execute(ctx context.Context, r *run, log *logging.RequestLogger) (Reply, error) {
	execStart := time.Now()
	outcome := s.executor.Execute(ctx, r.userID, r.intent)
	r.executeDur = time.Since(execStart)
	r.outcome = outcome
	metrics.ObserveStage("execute", r.executeDur)
	metrics.ActionsTotal.WithLabelValues(string(r.intent.Action), string(outcome.Status)).Inc()

	verbosity := s.verbosityFor(ctx, r.userID)
	response := s.articulate(ctx, outcome, verbosity)

	reply := Reply{
		Success:        outcome.Status == types.OutcomeSuccess,
		Response:       response,
		ActionExecuted: string(r.intent.Action),
	}
	if outcome.Status != types.OutcomeSuccess {
		reply.Err = string(outcome.ErrorKind)
	}

	log.Info("responded: action=%s status=%s", r.intent.Action, outcome.Status)
	metrics.RequestsTotal.WithLabelValues(StateResponded).Inc()
	s.record(r, response)
	return reply, nil
}

// parse runs the parser with conversation history, falling back to keyword
// extraction when the backend is down.
func (s *Service) parse(ctx context.Context, r *run) (*types.Intent, error) {
	history := s.historyFor(ctx, r.userID, r.conversationID)

	intent, err := s.parser.Parse(ctx, r.rawText, history)
	if err == nil {
		return intent, nil
	}

	var pf *parser.ParseFailure
	if errors.As(err, &pf) {
		metrics.CompletionFailures.WithLabelValues(string(pf.Kind)).Inc()
		if pf.Kind == types.ErrUnavailable || pf.Kind == types.ErrTimeout {
			if fb := s.parser.ParseFallback(r.rawText); fb != nil {
				logging.Pipeline("backend down, keyword fallback produced %s", fb.Action)
				return fb, nil
			}
		}
	}
	return nil, err
}

func (s *Service) historyFor(ctx context.Context, userID, conversationID string) []parser.HistoryTurn {
	if s.recorder == nil {
		return nil
	}
	window := s.historyWindow
	if p, err := s.prefs.Get(ctx, userID); err == nil && p.MaxHistory > 0 {
		window = p.MaxHistory
	}

	entries, err := s.recorder.History(ctx, userID, conversationID, window)
	if err != nil {
		logging.PipelineDebug("history lookup failed: %v", err)
		return nil
	}

	// History arrives newest first; prompts want oldest first.
	turns := make([]parser.HistoryTurn, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		turns = append(turns, parser.HistoryTurn{
			UserText:  entries[i].RawText,
			Response:  entries[i].Response,
			Timestamp: entries[i].Timestamp,
		})
	}
	return turns
}

func (s *Service) effectiveFloor(ctx context.Context, userID string) float64 {
	if p, err := s.prefs.Get(ctx, userID); err == nil && p.ConfirmThreshold > 0 {
		return p.ConfirmThreshold
	}
	return s.floor
}

func (s *Service) verbosityFor(ctx context.Context, userID string) string {
	if p, err := s.prefs.Get(ctx, userID); err == nil {
		return p.ResponseVerbosity
	}
	return prefs.VerbosityNormal
}

func (s *Service) confirmationPrompt(intent *types.Intent, auth types.Authorization) string {
	var b strings.Builder
	b.WriteString(auth.Reason)
	b.WriteString(fmt.Sprintf("\n\nAbout to run %s", intent.Action))
	if len(intent.Parameters) > 0 {
		b.WriteString(" with ")
		b.WriteString(renderPayloadShort(intent.Parameters))
	}
	b.WriteString(". Reply \"yes\" to proceed; anything else cancels.")
	return b.String()
}

func (s *Service) parseFailureReply(err error) Reply {
	var pf *parser.ParseFailure
	if !errors.As(err, &pf) {
		return Reply{Err: string(types.ErrInternal), Response: "Something went wrong understanding that request."}
	}

	switch pf.Kind {
	case types.ErrInvalidInput:
		return Reply{Err: string(pf.Kind), Response: "Please tell me what you'd like to do."}
	case types.ErrUnknownAction:
		return Reply{Err: string(pf.Kind), Response: "I can't do that. Ask me about customers, items, stock, orders, or invoices."}
	case types.ErrInvalidParameters:
		return Reply{Err: string(pf.Kind), Response: fmt.Sprintf("I understood the request but not all details: %s", pf.Detail)}
	case types.ErrTimeout:
		return Reply{Err: string(pf.Kind), Response: "The language model took too long; please try again."}
	case types.ErrUnavailable:
		return Reply{Err: string(pf.Kind), Response: "The language model is not reachable right now."}
	case types.ErrThrottled:
		return Reply{Err: string(pf.Kind), Response: "I'm handling too many requests right now; please retry shortly."}
	default:
		return Reply{Err: string(types.ErrMalformedCompletion), Response: "I couldn't turn that into a valid action; try rephrasing."}
	}
}

// record writes exactly one command log entry for the run.
func (s *Service) record(r *run, response string) {
	if s.recorder == nil {
		return
	}
	total := time.Since(r.started)
	s.recorder.Record(&types.CommandLogEntry{
		Timestamp:      r.started,
		RequestID:      r.requestID,
		UserID:         r.userID,
		ConversationID: r.conversationID,
		RawText:        r.rawText,
		Intent:         r.intent,
		Authorization:  r.auth,
		Outcome:        r.outcome,
		Response:       response,
		Latency: types.LatencyBreakdown{
			Parse:     r.parseDur,
			Authorize: r.authorizeDur,
			Execute:   r.executeDur,
			Total:     total,
		},
	})
}

// GetConversationHistory returns a user's recent turns, oldest first.
// The limit is clamped to [1,100].
func (s *Service) GetConversationHistory(ctx context.Context, userID string, limit int) ([]parser.HistoryTurn, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}
	entries, err := s.recorder.History(ctx, userID, "", limit)
	if err != nil {
		return nil, err
	}
	turns := make([]parser.HistoryTurn, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		turns = append(turns, parser.HistoryTurn{
			UserText:  entries[i].RawText,
			Response:  entries[i].Response,
			Timestamp: entries[i].Timestamp,
		})
	}
	return turns, nil
}

// CheckStatus reports backend health. When the last known state is not
// online, a cheap probe refreshes it so recovery is visible without
// waiting for the next user request.
func (s *Service) CheckStatus(ctx context.Context) Status {
	switch s.client.Status() {
	case gateway.StatusOnline:
		return StatusOnline
	case gateway.StatusDegraded:
		s.probe(ctx)
	case gateway.StatusOffline:
		s.probe(ctx)
	}

	switch s.client.Status() {
	case gateway.StatusOnline:
		return StatusOnline
	case gateway.StatusDegraded:
		return StatusDegraded
	default:
		return StatusOffline
	}
}

func (s *Service) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.client.Complete(ctx, "", "Reply with the single word: ok")
	if err != nil {
		logging.PipelineDebug("status probe failed: %v", err)
	}
}

// UpdateUserPreference sets one whitelisted preference field.
func (s *Service) UpdateUserPreference(ctx context.Context, userID, field, value string) error {
	return s.prefs.Set(ctx, userID, field, value)
}

// GetUserPermissions lists the actions the user's current roles allow.
func (s *Service) GetUserPermissions(ctx context.Context, userID string) ([]types.ActionName, error) {
	return s.oracle.AllowedActions(ctx, userID)
}

// Analytics exposes audit aggregates for the admin surface.
func (s *Service) Analytics(ctx context.Context, since time.Time) (*audit.Summary, error) {
	return s.recorder.Analytics(ctx, since)
}

// sanitize caps length and strips control characters other than newline
// and tab before the text reaches the parser.
func sanitize(text string, maxLen int) string {
	if len(text) > maxLen {
		// Back up to a rune boundary so the cut never produces invalid UTF-8.
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
}
