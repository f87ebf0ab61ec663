package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wacampaign/internal/domain"
	"wacampaign/internal/observability"
	"wacampaign/internal/providers/evolution"
	"wacampaign/internal/util"
)

type Store interface {
	ClaimDue(ctx context.Context, limit int) ([]domain.QueuedMessage, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
	ReleaseClaims(ctx context.Context, ids []string) (int64, error)
	ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	InsertLog(ctx context.Context, in domain.LogEntry) error
	GetContact(ctx context.Context, id string) (domain.Contact, bool, error)
	RecomputeCampaignStatus(ctx context.Context, campaignID string) (domain.CampaignStatus, error)
}

// Ledger is the credit side of a send: a read for the pre-send check and an
// atomic conditional decrement after the gateway accepted the message.
type Ledger interface {
	GetActiveSubscription(ctx context.Context, userID string) (domain.Subscription, bool, error)
	TryDecrement(ctx context.Context, userID string) (bool, error)
}

type Sender interface {
	Configured() bool
	SendText(ctx context.Context, instance, number, text string) (evolution.SendResponse, int, error)
	SendMedia(ctx context.Context, instance, number, mediaURL, mediaType, caption string) (evolution.SendResponse, int, error)
}

// settleTimeout bounds each write that records what already happened to a
// claimed row. Those writes run detached from the caller so a dropped HTTP
// client cannot leave a delivered message in "sending".
const settleTimeout = 10 * time.Second

type Limits struct {
	BatchSize      int
	MaxMessages    int
	MaxRunDuration time.Duration
	Pacing         time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.BatchSize <= 0 {
		l.BatchSize = 10
	}
	if l.MaxMessages <= 0 {
		l.MaxMessages = 50
	}
	return l
}

// Processor drains due queued messages in bounded, stateless runs.
type Processor struct {
	Store       Store
	Ledger      Ledger
	Sender      Sender
	Breaker     *gobreaker.CircuitBreaker
	Limits      Limits
	PhoneRegion string
	Now         func() time.Time
}

type StopReason string

const (
	StopDrained     StopReason = "drained"
	StopMaxMessages StopReason = "max_messages"
	StopDeadline    StopReason = "deadline"
	StopCanceled    StopReason = "canceled"
	StopNoCredits   StopReason = "no_credits"
	StopLedgerError StopReason = "ledger_error"
	StopBreakerOpen StopReason = "breaker_open"
	StopClaimError  StopReason = "claim_error"
)

type Summary struct {
	Sent     int
	Failed   int
	Released int
	Stop     StopReason
	Duration time.Duration
}

func (s Summary) Message() string {
	if s.Sent == 0 && s.Failed == 0 {
		return "no messages due"
	}
	return fmt.Sprintf("processed %d messages: %d sent, %d failed", s.Sent+s.Failed, s.Sent, s.Failed)
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeNotAttempted
	outcomeCanceled
)

// Run claims and sends due messages until the queue is drained or a budget
// (message count, wall clock) runs out. An owner found without credits is
// skipped for the rest of the run and their claimed rows go back to pending.
// Only errors raised before the first claim completes are returned;
// per-message failures end up in the row status and the message log.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	limits := p.Limits.withDefaults()

	if p.Sender == nil || !p.Sender.Configured() {
		observability.DispatchRuns.WithLabelValues("fatal").Inc()
		return Summary{}, domain.ErrGatewayNotConfigured
	}

	// runCtx only gates new work; rows already in flight settle detached from ctx
	runCtx := ctx
	if limits.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.MaxRunDuration)
		defer cancel()
	}

	pace := &pacer{every: limits.Pacing}

	var sum Summary
	touched := map[string]bool{}
	// owners found out of credits mid-run; their rows stay claimed until the
	// run ends so later claims reach other tenants instead of the same backlog
	exhausted := map[string]bool{}
	var held []domain.QueuedMessage
	processed := 0
	claims := 0

loop:
	for {
		if processed >= limits.MaxMessages {
			sum.Stop = StopMaxMessages
			break
		}
		if reason, stop := budgetExceeded(ctx, runCtx); stop {
			sum.Stop = reason
			break
		}

		want := min(limits.BatchSize, limits.MaxMessages-processed)
		rows, err := p.Store.ClaimDue(ctx, want)
		claims++
		if err != nil {
			if claims == 1 && len(rows) == 0 {
				observability.DispatchRuns.WithLabelValues("fatal").Inc()
				return Summary{}, fmt.Errorf("claim pending messages: %w", err)
			}
			slog.Error("dispatch claim failed", "err", err, "processed", processed)
			if len(rows) == 0 {
				sum.Stop = StopClaimError
				break
			}
		}
		if len(rows) == 0 {
			sum.Stop = StopDrained
			break
		}

		for i, row := range rows {
			if exhausted[row.UserID] {
				held = append(held, row)
				continue
			}
			reason, stop := p.gate(ctx, runCtx, pace, row)
			if reason == StopNoCredits {
				exhausted[row.UserID] = true
				held = append(held, row)
				continue
			}
			if stop {
				sum.Stop = reason
				sum.Released += p.release(ctx, rows[i:], reason)
				break loop
			}

			touched[row.CampaignID] = true
			out := p.deliver(ctx, row)
			pace.done()
			switch out {
			case outcomeSent:
				sum.Sent++
			case outcomeFailed:
				sum.Failed++
			case outcomeNotAttempted:
				sum.Stop = StopBreakerOpen
				sum.Released += p.release(ctx, rows[i:], StopBreakerOpen)
				break loop
			case outcomeCanceled:
				sum.Stop = StopCanceled
				sum.Released += p.release(ctx, rows[i:], StopCanceled)
				break loop
			}
			processed++
		}

		if len(rows) < want {
			sum.Stop = StopDrained
			break
		}
	}

	if len(held) > 0 {
		sum.Released += p.release(ctx, held, StopNoCredits)
		if sum.Stop == StopDrained {
			sum.Stop = StopNoCredits
		}
	}

	for campaignID := range touched {
		status, err := p.recompute(ctx, campaignID)
		if err != nil {
			slog.Error("campaign status recompute failed", "err", err, "campaign_id", campaignID)
			continue
		}
		if status != "" {
			slog.Info("campaign finished", "campaign_id", campaignID, "status", status)
		}
	}

	sum.Duration = time.Since(start)
	observability.DispatchRuns.WithLabelValues(string(sum.Stop)).Inc()
	observability.DispatchRunDuration.Observe(sum.Duration.Seconds())
	slog.Info("dispatch run finished",
		"sent", sum.Sent,
		"failed", sum.Failed,
		"released", sum.Released,
		"stop", sum.Stop,
		"duration", sum.Duration,
	)
	return sum, nil
}

func budgetExceeded(ctx, runCtx context.Context) (StopReason, bool) {
	if ctx.Err() != nil {
		return StopCanceled, true
	}
	if runCtx.Err() != nil {
		return StopDeadline, true
	}
	return "", false
}

// gate runs the checks that must pass before a row is attempted: the run
// budget, the owner's credit balance and inter-message pacing. StopNoCredits
// only sidelines the owner; every other reason ends the run.
func (p *Processor) gate(ctx, runCtx context.Context, pace *pacer, row domain.QueuedMessage) (StopReason, bool) {
	if reason, stop := budgetExceeded(ctx, runCtx); stop {
		return reason, true
	}

	sub, found, err := p.Ledger.GetActiveSubscription(ctx, row.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return StopCanceled, true
		}
		slog.Error("credit check failed", "err", err, "user_id", row.UserID, "message_id", row.ID)
		return StopLedgerError, true
	}
	if !found || !sub.CanSend(p.now()) {
		slog.Warn("credits exhausted, skipping owner for this run", "user_id", row.UserID, "message_id", row.ID)
		return StopNoCredits, false
	}

	if err := pace.wait(runCtx); err != nil {
		if ctx.Err() != nil {
			return StopCanceled, true
		}
		return StopDeadline, true
	}
	return "", false
}

// pacer spaces sends by a fixed gap measured from the end of one send to the
// start of the next. The limiter is re-armed after every send.
type pacer struct {
	every time.Duration
	lim   *rate.Limiter
}

// wait blocks until the gap since the last send has passed. It fails fast when
// that moment lies past the ctx deadline.
func (p *pacer) wait(ctx context.Context) error {
	if p.lim == nil {
		return nil
	}
	return p.lim.Wait(ctx)
}

func (p *pacer) done() {
	if p.every <= 0 {
		return
	}
	p.lim = rate.NewLimiter(rate.Every(p.every), 1)
	p.lim.Allow()
}

// settled derives the context for writes that record a row's fate. It keeps
// ctx values but not its cancellation.
func settled(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (p *Processor) recompute(ctx context.Context, campaignID string) (domain.CampaignStatus, error) {
	sctx, cancel := settled(ctx)
	defer cancel()
	return p.Store.RecomputeCampaignStatus(sctx, campaignID)
}

func (p *Processor) release(ctx context.Context, rows []domain.QueuedMessage, reason StopReason) int {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	sctx, cancel := settled(ctx)
	defer cancel()
	n, err := p.Store.ReleaseClaims(sctx, ids)
	if err != nil {
		slog.Error("release claims failed", "err", err, "count", len(ids), "reason", reason)
		return 0
	}
	observability.ClaimsReleased.WithLabelValues(string(reason)).Add(float64(n))
	return int(n)
}

func (p *Processor) deliver(ctx context.Context, row domain.QueuedMessage) outcome {
	name, phone := "", row.Phone
	contact, found, err := p.Store.GetContact(ctx, row.ContactID)
	if err != nil {
		slog.Warn("contact lookup failed, sending without name", "err", err, "contact_id", row.ContactID)
	} else if found {
		name = contact.Name
		if contact.Phone != "" {
			phone = contact.Phone
		}
	}
	text := util.RenderMessage(row.Message, name, phone)
	number := util.GatewayNumber(row.Phone, p.PhoneRegion)

	if ctx.Err() != nil {
		return outcomeCanceled
	}

	start := time.Now()
	res, err := p.executeWithBreaker(ctx, row, number, text)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.GatewaySend.WithLabelValues("cb_open", "0").Inc()
		slog.Warn("gateway breaker open, stopping run", "message_id", row.ID)
		return outcomeNotAttempted
	}

	// the gateway has answered (or the call was cut off); from here on the
	// outcome is recorded even if the caller goes away
	sctx, cancel := settled(ctx)
	defer cancel()

	now := p.now()
	entry := domain.LogEntry{
		CampaignID:   row.CampaignID,
		ContactID:    row.ContactID,
		UserID:       row.UserID,
		Phone:        row.Phone,
		Message:      text,
		ScheduledFor: row.ScheduledFor,
		SentAt:       now,
	}

	if err != nil {
		var gwErr *evolution.Error
		if errors.As(err, &gwErr) {
			res.httpStatus = gwErr.StatusCode
			res.raw = gwErr.Raw
		}
		observability.GatewaySend.WithLabelValues("error", strconv.Itoa(res.httpStatus)).Inc()

		if ok, mErr := p.Store.MarkFailed(sctx, row.ID); mErr != nil {
			slog.Error("mark failed failed", "err", mErr, "message_id", row.ID)
		} else if !ok {
			slog.Warn("message no longer claimed, status left as is", "message_id", row.ID)
		}
		entry.Status = domain.MessageFailed
		entry.Response = map[string]any{
			"error":       err.Error(),
			"http_status": res.httpStatus,
			"raw":         jsonRaw(res.raw),
		}
		p.insertLog(sctx, entry)
		slog.Info("message failed", "message_id", row.ID, "campaign_id", row.CampaignID, "http_status", res.httpStatus, "err", err)
		return outcomeFailed
	}

	observability.GatewaySend.WithLabelValues("ok", strconv.Itoa(res.httpStatus)).Inc()
	observability.GatewayLatency.Observe(time.Since(start).Seconds())

	// The send already happened; a failed decrement is logged, not undone.
	if ok, dErr := p.Ledger.TryDecrement(sctx, row.UserID); dErr != nil {
		observability.CreditDecrements.WithLabelValues("error").Inc()
		slog.Error("credit decrement failed after send", "err", dErr, "user_id", row.UserID, "message_id", row.ID)
	} else if !ok {
		observability.CreditDecrements.WithLabelValues("insufficient").Inc()
		slog.Warn("message sent without a credit to consume", "user_id", row.UserID, "message_id", row.ID)
	} else {
		observability.CreditDecrements.WithLabelValues("ok").Inc()
	}

	if ok, mErr := p.Store.MarkSent(sctx, row.ID, now); mErr != nil {
		slog.Error("mark sent failed", "err", mErr, "message_id", row.ID)
	} else if !ok {
		slog.Warn("message no longer claimed, status left as is", "message_id", row.ID)
	}
	entry.Status = domain.MessageSent
	entry.Response = jsonRaw(res.raw)
	p.insertLog(sctx, entry)
	return outcomeSent
}

func (p *Processor) insertLog(ctx context.Context, entry domain.LogEntry) {
	if err := p.Store.InsertLog(ctx, entry); err != nil {
		slog.Error("message log insert failed", "err", err, "campaign_id", entry.CampaignID, "contact_id", entry.ContactID)
	}
}

func (p *Processor) executeWithBreaker(ctx context.Context, row domain.QueuedMessage, number, text string) (sendResult, error) {
	call := func() (any, error) {
		var (
			resp   evolution.SendResponse
			status int
			err    error
		)
		if row.MediaURL != "" {
			kind := util.MediaKindForURL(row.MediaURL)
			resp, status, err = p.Sender.SendMedia(ctx, row.InstanceName, number, row.MediaURL, string(kind), text)
		} else {
			resp, status, err = p.Sender.SendText(ctx, row.InstanceName, number, text)
		}
		res := sendResult{resp: resp, httpStatus: status, raw: resp.Raw}
		if err != nil {
			return res, err
		}
		return res, nil
	}

	var (
		out any
		err error
	)
	if p.Breaker == nil {
		out, err = call()
	} else {
		out, err = p.Breaker.Execute(call)
	}
	res, _ := out.(sendResult)
	return res, err
}

// SweepStale hands rows stuck in "sending" for longer than olderThan back to the queue.
func (p *Processor) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := p.Store.ReclaimStale(ctx, p.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.ClaimsReleased.WithLabelValues("stale").Add(float64(n))
		slog.Warn("stale claims reclaimed", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// NewBreaker trips after maxFailures consecutive gateway failures. Rejections
// of a single recipient (4xx other than 429) and calls cut off by the caller do
// not count against the gateway.
func NewBreaker(name string, maxFailures uint32) *gobreaker.CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= maxFailures },
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var gwErr *evolution.Error
			if errors.As(err, &gwErr) && gwErr.StatusCode >= 400 && gwErr.StatusCode < 500 && gwErr.StatusCode != 429 {
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("gateway breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

// jsonRaw keeps valid JSON bodies as-is in the log and wraps anything else.
func jsonRaw(b []byte) any {
	if len(b) > 0 && json.Valid(b) {
		return json.RawMessage(b)
	}
	return map[string]any{"raw": string(b)}
}

type sendResult struct {
	resp       evolution.SendResponse
	httpStatus int
	raw        []byte
}
