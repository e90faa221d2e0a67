package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modbot/internal/eventbus"
	logx "modbot/pkg/logx"
)

// Enforcer carries out the moderator's decision on the chat platform.
type Enforcer interface {
	// KickAndNotify tells the user why and removes them from the chat.
	KickAndNotify(ctx context.Context, entityID int64) error
	LiftTimeout(ctx context.Context, entityID int64) error
}

// Outcome is what the moderator sees after pressing a decision button.
//
// When Resolved is set the original buttons are replaced by a single
// inert one, so the same review cannot be acted on twice.
type Outcome struct {
	Reply    string
	Resolved *Button
}

type Button struct {
	Label string
	Data  string
}

// ResolvedEvent is published on the bus when a review is closed.
type ResolvedEvent struct {
	Verb      string `json:"verb"`
	EntityID  int64  `json:"entity_id"`
	Moderator string `json:"moderator"`
}

const (
	replyKicked      = "Messaged user telling them we think they are a bot, and kicked them from the server."
	replyCleared     = "Timeout removed from user"
	replyAlreadyDone = "This event has already been resolved."
	replyMalformed   = "Something went wrong: this button carries no valid decision."
)

type Handler struct {
	enforcer Enforcer
	log      logx.Logger
	bus      eventbus.Bus
}

func NewHandler(enforcer Enforcer, log logx.Logger, bus eventbus.Bus) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		enforcer: enforcer,
		log:      log.With(logx.String("comp", "review")),
		bus:      bus,
	}
}

// Handle applies the decision encoded in data on behalf of moderator.
//
// The returned error is only for logging; Outcome.Reply always holds a
// message fit for the moderator.
func (h *Handler) Handle(ctx context.Context, data, moderator string) (Outcome, error) {
	d, err := Parse(data)
	if err != nil {
		return Outcome{Reply: replyMalformed}, err
	}

	switch d.Verb {
	case VerbResolved:
		return Outcome{Reply: replyAlreadyDone}, nil

	case VerbKick:
		if err := h.enforcer.KickAndNotify(ctx, d.EntityID); err != nil {
			return Outcome{Reply: failureReply("kick", err)}, fmt.Errorf("review: kick %d: %w", d.EntityID, err)
		}
		return h.resolve(d, moderator, replyKicked, "kicked user"), nil

	case VerbClear:
		if err := h.enforcer.LiftTimeout(ctx, d.EntityID); err != nil {
			return Outcome{Reply: failureReply("remove the timeout of", err)}, fmt.Errorf("review: clear %d: %w", d.EntityID, err)
		}
		return h.resolve(d, moderator, replyCleared, "removed timeout"), nil

	default:
		return Outcome{Reply: replyMalformed}, fmt.Errorf("%w: unknown verb %q", ErrMalformed, d.Verb)
	}
}

func (h *Handler) resolve(d Decision, moderator, reply, what string) Outcome {
	h.log.Info("review resolved",
		logx.String("verb", string(d.Verb)),
		logx.Int64("entity", d.EntityID),
		logx.String("moderator", moderator),
	)
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.ReviewResolved, Time: time.Now(), Data: ResolvedEvent{
			Verb:      string(d.Verb),
			EntityID:  d.EntityID,
			Moderator: moderator,
		}})
	}
	return Outcome{
		Reply: reply,
		Resolved: &Button{
			Label: fmt.Sprintf("Resolved by %s (%s)", moderator, what),
			Data:  Encode(Decision{Verb: VerbResolved, EntityID: d.EntityID}),
		},
	}
}

func failureReply(action string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Sprintf("Timed out trying to %s the user, please retry.", action)
	}
	return fmt.Sprintf("Failed to %s the user: %v", action, err)
}
