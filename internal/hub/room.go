package hub

import (
	"context"

	"github.com/rs/zerolog"

	"schoolchat/pkg/types"
)

// mailboxSize bounds each room's command queue. Enqueue never blocks; a
// full mailbox is surfaced as ErrMailboxFull rather than stalling callers.
const mailboxSize = 256

// command is the room actor's mailbox entry. Exactly one field is set.
// A single queue keeps join/leave/broadcast strictly FIFO, which is what
// guarantees per-subscriber delivery order.
type command struct {
	join      *joinCmd
	leave     string
	broadcast *broadcastCmd
	toggle    *toggleCmd
	query     *queryCmd
}

type joinCmd struct {
	sub   Subscriber
	reply chan struct{}
}

type broadcastCmd struct {
	env     types.Envelope
	exclude string
}

// toggleCmd sets the disabled flag: nil target flips, otherwise assigns.
type toggleCmd struct {
	target *bool
	reply  chan bool
}

type queryCmd struct {
	disabled chan bool
	members  chan int
}

// room is a single broadcast scope actor. All state below is touched only
// by run().
type room struct {
	info     types.Room
	cmds     chan command
	shutdown chan struct{}
	log      zerolog.Logger

	members    map[string]Subscriber
	isDisabled bool
}

func newRoom(info types.Room, logger zerolog.Logger) *room {
	return &room{
		info:     info,
		cmds:     make(chan command, mailboxSize),
		shutdown: make(chan struct{}),
		log:      logger.With().Str("room", info.ID).Logger(),
		members:  make(map[string]Subscriber),
	}
}

func (r *room) run(ctx context.Context) {
	for {
		select {
		case cmd := <-r.cmds:
			r.handle(cmd)
		case <-r.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *room) handle(cmd command) {
	switch {
	case cmd.join != nil:
		// Idempotent membership grant keyed by session id. A rejoin
		// replaces the entry, so a session is never fanned out to twice.
		r.members[cmd.join.sub.ID()] = cmd.join.sub
		cmd.join.reply <- struct{}{}
	case cmd.leave != "":
		delete(r.members, cmd.leave)
	case cmd.broadcast != nil:
		r.deliverAll(cmd.broadcast.env, cmd.broadcast.exclude)
	case cmd.toggle != nil:
		next := !r.isDisabled
		if cmd.toggle.target != nil {
			next = *cmd.toggle.target
		}
		changed := next != r.isDisabled
		r.isDisabled = next
		cmd.toggle.reply <- r.isDisabled
		if changed {
			update := types.NewEnvelope(types.EventRoomStatusUpdate, "", types.RoomStatusUpdate{
				Room:     r.info.ID,
				Disabled: r.isDisabled,
			})
			r.deliverAll(update, "")
			r.log.Info().Bool("disabled", r.isDisabled).Msg("room status changed")
		}
	case cmd.query != nil:
		if cmd.query.disabled != nil {
			cmd.query.disabled <- r.isDisabled
		}
		if cmd.query.members != nil {
			cmd.query.members <- len(r.members)
		}
	}
}

func (r *room) deliverAll(env types.Envelope, exclude string) {
	for id, sub := range r.members {
		if id == exclude {
			continue
		}
		if err := sub.Deliver(env); err != nil {
			// Delivery keeps going; a dead member leaves through the ws
			// layer's own teardown path.
			r.log.Debug().Err(err).Str("member", id).Str("event", env.Type).Msg("delivery failed")
		}
	}
}

func (r *room) stop() {
	select {
	case <-r.shutdown:
	default:
		close(r.shutdown)
	}
}

func (r *room) join(sub Subscriber) error {
	reply := make(chan struct{}, 1)
	if err := r.enqueue(command{join: &joinCmd{sub: sub, reply: reply}}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-r.shutdown:
		return ErrHubNotRunning
	}
}

func (r *room) leave(subID string) error {
	return r.enqueue(command{leave: subID})
}

func (r *room) broadcast(env types.Envelope, exclude string) error {
	return r.enqueue(command{broadcast: &broadcastCmd{env: env, exclude: exclude}})
}

func (r *room) setDisabled(target *bool) (bool, error) {
	reply := make(chan bool, 1)
	if err := r.enqueue(command{toggle: &toggleCmd{target: target, reply: reply}}); err != nil {
		return false, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.shutdown:
		return false, ErrHubNotRunning
	}
}

func (r *room) disabled() (bool, error) {
	reply := make(chan bool, 1)
	if err := r.enqueue(command{query: &queryCmd{disabled: reply}}); err != nil {
		return false, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.shutdown:
		return false, ErrHubNotRunning
	}
}

func (r *room) memberCount() (int, error) {
	reply := make(chan int, 1)
	if err := r.enqueue(command{query: &queryCmd{members: reply}}); err != nil {
		return 0, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.shutdown:
		return 0, ErrHubNotRunning
	}
}

func (r *room) enqueue(cmd command) error {
	select {
	case <-r.shutdown:
		return ErrHubNotRunning
	default:
	}
	select {
	case r.cmds <- cmd:
		return nil
	default:
		return ErrMailboxFull
	}
}
