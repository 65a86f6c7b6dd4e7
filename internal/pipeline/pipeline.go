// Package pipeline validates, persists, and republishes messages, and
// applies moderation. It is the only writer of message state; the hub only
// fans out what the pipeline hands it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"schoolchat/internal/store"
	"schoolchat/pkg/types"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	Save(ctx context.Context, msg *types.Message) error
	Get(ctx context.Context, id string) (*types.Message, error)
	SetPinned(ctx context.Context, id string, pinned bool) error
	MarkDeleted(ctx context.Context, id string) error
}

// Broadcaster is the fan-out surface the pipeline needs, satisfied by the
// room hub.
type Broadcaster interface {
	Broadcast(roomID string, env types.Envelope, excludeID string) error
	Disabled(roomID string) (bool, error)
	Toggle(roomID string) (bool, error)
}

type Pipeline struct {
	store   Store
	hub     Broadcaster
	limiter *RateLimiter
	log     zerolog.Logger
}

func New(st Store, hub Broadcaster, limiter *RateLimiter, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:   st,
		hub:     hub,
		limiter: limiter,
		log:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// Send persists a new message and republishes it. The returned canonical
// message goes back to the originating session as its ack; the broadcast
// excludes that session (echo suppression — the sender already holds the
// authoritative copy).
func (p *Pipeline) Send(ctx context.Context, author types.Identity, sessionID string, req types.SendMessageRequest) (*types.Message, error) {
	if err := types.ValidateContent(req.Content); err != nil {
		return nil, err
	}

	// Disabled() doubles as the room existence check.
	disabled, err := p.hub.Disabled(req.Room)
	if err != nil {
		return nil, err
	}
	if disabled {
		return nil, fmt.Errorf("%w: %s", types.ErrRoomDisabled, req.Room)
	}

	if !p.limiter.Allow(author.ID) {
		return nil, types.ErrRateLimited
	}

	kind := req.Kind
	if kind == "" {
		kind = types.MessageKindText
	}

	msg := &types.Message{
		ID:         uuid.New().String(),
		Room:       req.Room,
		AuthorID:   author.ID,
		AuthorName: author.DisplayName,
		AuthorRole: author.Role,
		Content:    req.Content,
		Kind:       kind,
		CreatedAt:  time.Now(),
	}

	// Persist before fan-out so subscribers never observe a message that
	// could vanish on restart.
	if err := p.store.Save(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	env := types.NewEnvelope(types.EventMessageReceived, "", types.MessageEvent{Message: *msg})
	if err := p.hub.Broadcast(msg.Room, env, sessionID); err != nil {
		// The message is durable and acked; a fan-out failure only costs
		// the live update, which history reads repair.
		p.log.Error().Err(err).Str("message", msg.ID).Msg("broadcast failed after persist")
	}

	p.log.Debug().Str("message", msg.ID).Str("room", msg.Room).Str("author", author.ID).Msg("message sent")
	return msg, nil
}

// Pin marks a message pinned and notifies the whole room, the actor
// included.
func (p *Pipeline) Pin(ctx context.Context, actor types.Identity, messageID string) (*types.Message, error) {
	return p.setPinned(ctx, actor, messageID, true, types.EventMessagePinned)
}

// Unpin clears the pin flag and notifies the whole room.
func (p *Pipeline) Unpin(ctx context.Context, actor types.Identity, messageID string) (*types.Message, error) {
	return p.setPinned(ctx, actor, messageID, false, types.EventMessageUnpinned)
}

func (p *Pipeline) setPinned(ctx context.Context, actor types.Identity, messageID string, pinned bool, event string) (*types.Message, error) {
	msg, err := p.loadForModeration(ctx, actor, messageID)
	if err != nil {
		return nil, err
	}
	if err := p.store.SetPinned(ctx, messageID, pinned); err != nil {
		return nil, fmt.Errorf("failed to update pin state: %w", err)
	}
	msg.Pinned = pinned

	env := types.NewEnvelope(event, "", types.MessageEvent{Message: *msg})
	if err := p.hub.Broadcast(msg.Room, env, ""); err != nil {
		p.log.Error().Err(err).Str("message", msg.ID).Msg("pin broadcast failed")
	}
	return msg, nil
}

// Delete tombstones a message and tells every subscriber to drop it from
// the live view.
func (p *Pipeline) Delete(ctx context.Context, actor types.Identity, messageID string) error {
	msg, err := p.loadForModeration(ctx, actor, messageID)
	if err != nil {
		return err
	}
	if err := p.store.MarkDeleted(ctx, messageID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	env := types.NewEnvelope(types.EventMessageDeleted, "", types.MessageDeleted{
		MessageID: msg.ID,
		Room:      msg.Room,
	})
	if err := p.hub.Broadcast(msg.Room, env, ""); err != nil {
		p.log.Error().Err(err).Str("message", msg.ID).Msg("delete broadcast failed")
	}
	p.log.Info().Str("message", msg.ID).Str("actor", actor.ID).Msg("message deleted")
	return nil
}

// ToggleStatus flips a room's disabled flag. Admin only; the hub emits the
// room_status_update as part of the flip.
func (p *Pipeline) ToggleStatus(actor types.Identity, roomID string) (bool, error) {
	switch actor.Role {
	case types.RoleAdmin:
	case types.RoleStudent, types.RoleTeacher:
		p.logForbidden(actor, "toggle_room_status", roomID)
		return false, types.ErrForbidden
	default:
		return false, types.ErrForbidden
	}
	return p.hub.Toggle(roomID)
}

func (p *Pipeline) loadForModeration(ctx context.Context, actor types.Identity, messageID string) (*types.Message, error) {
	msg, err := p.store.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			return nil, fmt.Errorf("%w: unknown message %s", types.ErrValidation, messageID)
		}
		return nil, err
	}
	if err := authorizeModeration(actor.Role, msg.AuthorRole); err != nil {
		p.logForbidden(actor, "moderate", msg.ID)
		return nil, err
	}
	return msg, nil
}

// authorizeModeration: admins moderate anything; teachers moderate only
// student-authored messages; students moderate nothing.
func authorizeModeration(actor, author types.Role) error {
	switch actor {
	case types.RoleAdmin:
		return nil
	case types.RoleTeacher:
		switch author {
		case types.RoleStudent:
			return nil
		case types.RoleTeacher, types.RoleAdmin:
			return types.ErrForbidden
		default:
			return types.ErrForbidden
		}
	case types.RoleStudent:
		return types.ErrForbidden
	default:
		return types.ErrForbidden
	}
}

// Forbidden attempts are logged loudly; a client that reaches this path is
// bypassing its own UI affordances.
func (p *Pipeline) logForbidden(actor types.Identity, op, target string) {
	p.log.Warn().
		Str("actor", actor.ID).
		Str("role", string(actor.Role)).
		Str("op", op).
		Str("target", target).
		Msg("unauthorized moderation attempt")
}
