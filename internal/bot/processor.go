// Package bot holds the Telegram-facing glue: intent classification, the
// message processing pipeline, outbound send pacing, the single-instance
// port lock, and startup webhook cleanup. The pipeline itself is
// transport-agnostic so the dashboard can drive it directly.
package bot

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hefzhail/botops/internal/ai"
	"github.com/hefzhail/botops/internal/log"
	"github.com/hefzhail/botops/internal/ratelimit"
	"github.com/hefzhail/botops/internal/storage"
	"github.com/hefzhail/botops/internal/xerrors"
)

// Telegram allows roughly 30 outbound messages per second per bot.
const (
	defaultSendRate  = rate.Limit(25)
	defaultSendBurst = 5
)

// Outcome is the result of pushing one message through the pipeline.
type Outcome struct {
	Denied   bool                `json:"denied"`
	Decision ratelimit.Decision  `json:"decision"`
	Intent   string              `json:"intent,omitempty"`
	Reply    string              `json:"reply,omitempty"`
}

// Options configures a Processor.
type Options struct {
	Logger    log.Logger
	Limiter   *ratelimit.Limiter
	Responder ai.Responder
	Store     *storage.Store

	// Outbound send budget. Zero values take the defaults.
	SendRate  rate.Limit
	SendBurst int

	// OnStored fires after a record lands in storage, with its intent.
	OnStored func(intent string)

	// OnReply fires after the responder runs, with "ok" or "error".
	OnReply func(outcome string)

	// now is swappable in tests.
	Now func() time.Time
}

// Processor is the rate-limit, classify, reply, persist pipeline.
type Processor struct {
	logger    log.Logger
	limiter   *ratelimit.Limiter
	responder ai.Responder
	store     *storage.Store
	pacer     *rate.Limiter
	onStored  func(string)
	onReply   func(string)
	now       func() time.Time
}

// NewProcessor validates the collaborators and builds the pipeline.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Limiter == nil {
		return nil, xerrors.New("bot: Limiter is required")
	}
	if opts.Responder == nil {
		return nil, xerrors.New("bot: Responder is required")
	}
	if opts.Store == nil {
		return nil, xerrors.New("bot: Store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.SendRate <= 0 {
		opts.SendRate = defaultSendRate
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = defaultSendBurst
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Processor{
		logger:    opts.Logger,
		limiter:   opts.Limiter,
		responder: opts.Responder,
		store:     opts.Store,
		pacer:     rate.NewLimiter(opts.SendRate, opts.SendBurst),
		onStored:  opts.OnStored,
		onReply:   opts.OnReply,
		now:       opts.Now,
	}, nil
}

// Process runs one message through the pipeline. A rate-limited message is
// not classified, answered, or persisted; the decision rides back in the
// Outcome so the caller can surface the window and retry-after.
func (p *Processor) Process(ctx context.Context, userID int64, username, text string) (Outcome, error) {
	identity := strconv.FormatInt(userID, 10)
	now := p.now()

	d := p.limiter.CheckAndRecord(identity, now)
	if !d.Allowed {
		p.logger.Info(ctx, "message rate limited",
			"user_id", userID,
			"window", string(d.Window),
			"retry_after", d.RetryAfter.String(),
		)
		return Outcome{Denied: true, Decision: d}, nil
	}

	intent := ClassifyIntent(text)

	reply, err := p.responder.Reply(ctx, intent, text)
	if err != nil {
		p.fireReply("error")
		return Outcome{Decision: d, Intent: intent}, xerrors.Wrap(err, "bot: generate reply")
	}
	p.fireReply("ok")

	// Debit the outbound send budget before the reply leaves the process.
	if err := p.pacer.Wait(ctx); err != nil {
		return Outcome{Decision: d, Intent: intent}, xerrors.Wrap(err, "bot: send pacing")
	}

	rec := storage.Record{
		Timestamp: now,
		UserID:    userID,
		Username:  username,
		Intent:    intent,
		Message:   text,
		Reply:     reply,
	}
	if err := p.store.Append(ctx, rec); err != nil {
		// The user still gets the reply; the log entry is what failed.
		p.logger.Error(ctx, err, "persist message failed", "user_id", userID)
		return Outcome{Decision: d, Intent: intent, Reply: reply}, err
	}
	if p.onStored != nil {
		p.onStored(intent)
	}

	p.logger.Info(ctx, "message processed",
		"user_id", userID,
		"intent", intent,
	)
	return Outcome{Decision: d, Intent: intent, Reply: reply}, nil
}

func (p *Processor) fireReply(outcome string) {
	if p.onReply != nil {
		p.onReply(outcome)
	}
}
