package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/zulandar/switchboard/internal/registry"
)

const outboxSize = 64

// SubscribeFunc registers for registry notifications; the returned func
// cancels the subscription.
type SubscribeFunc func(buffer int) (<-chan registry.Notification, func())

// Relay posts pending approvals, input requests and turn failures to a chat
// channel and executes the operator's "!sb" replies.
type Relay struct {
	adapter   Adapter
	cmd       *CommandHandler
	subscribe SubscribeFunc
	channelID string
	limiter   *rate.Limiter
	log       zerolog.Logger

	mu     sync.Mutex
	posted map[string]bool // request ids announced in the channel
}

// Opts holds parameters for creating a Relay.
type Opts struct {
	Adapter    Adapter
	Core       Core
	Subscribe  SubscribeFunc
	ChannelID  string  // empty for the adapter's default channel
	RatePerSec float64 // outbound messages per second; defaults to 1
	Burst      int     // defaults to 3
	Logger     zerolog.Logger
}

// New creates a Relay.
func New(opts Opts) (*Relay, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: adapter is required")
	}
	if opts.Subscribe == nil {
		return nil, fmt.Errorf("relay: subscribe is required")
	}
	cmd, err := NewCommandHandler(opts.Core)
	if err != nil {
		return nil, err
	}
	rps := opts.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 3
	}
	return &Relay{
		adapter:   opts.Adapter,
		cmd:       cmd,
		subscribe: opts.Subscribe,
		channelID: opts.ChannelID,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		log:       opts.Logger.With().Str("component", "relay").Logger(),
		posted:    make(map[string]bool),
	}, nil
}

// Run connects the adapter and relays until ctx is cancelled or the
// adapter closes its inbound channel.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}
	var botUserID string
	if bui, ok := r.adapter.(BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}

	inbound, err := r.adapter.Listen(ctx)
	if err != nil {
		r.adapter.Close()
		return fmt.Errorf("relay: listen: %w", err)
	}
	notes, cancel := r.subscribe(256)
	defer cancel()

	outbox := make(chan OutboundMessage, outboxSize)
	senderDone := make(chan struct{})
	go r.sendLoop(ctx, outbox, senderDone)

	r.log.Info().Msg("relay online")
	r.enqueue(outbox, OutboundMessage{Text: "Switchboard relay online"})

	defer func() {
		close(outbox)
		<-senderDone
		if err := r.adapter.Close(); err != nil {
			r.log.Warn().Err(err).Msg("close adapter")
		}
		r.log.Info().Msg("relay stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-inbound:
			if !ok {
				r.log.Info().Msg("inbound channel closed")
				return nil
			}
			if botUserID != "" && msg.UserID == botUserID {
				continue
			}
			if !IsCommand(msg.Text) {
				continue
			}
			r.log.Debug().Str("user", msg.UserID).Str("text", msg.Text).Msg("command")
			reply := r.cmd.Execute(ctx, msg.Text)
			r.enqueue(outbox, OutboundMessage{ChannelID: msg.ChannelID, ThreadID: msg.ThreadID, Text: reply})

		case n, ok := <-notes:
			if !ok {
				return nil
			}
			if out, ok := r.render(n); ok {
				r.enqueue(outbox, out)
			}
		}
	}
}

// render turns a notification into a channel post. Only notifications an
// operator can act on are relayed.
func (r *Relay) render(n registry.Notification) (OutboundMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch n.Kind {
	case registry.NotifyApproval:
		if n.Approval == nil {
			return OutboundMessage{}, false
		}
		r.posted[n.RequestID] = true
		return OutboundMessage{ChannelID: r.channelID, Events: []FormattedEvent{FormatApproval(n.WorkspaceID, *n.Approval)}}, true
	case registry.NotifyUserInput:
		if n.UserInput == nil {
			return OutboundMessage{}, false
		}
		r.posted[n.RequestID] = true
		return OutboundMessage{ChannelID: r.channelID, Events: []FormattedEvent{FormatUserInput(n.WorkspaceID, *n.UserInput)}}, true
	case registry.NotifyRequestResolved:
		if !r.posted[n.RequestID] {
			return OutboundMessage{}, false
		}
		delete(r.posted, n.RequestID)
		return OutboundMessage{ChannelID: r.channelID, Text: fmt.Sprintf("Request `%s` resolved.", n.RequestID)}, true
	case registry.NotifyError:
		return OutboundMessage{ChannelID: r.channelID, Events: []FormattedEvent{FormatTurnError(n)}}, true
	}
	return OutboundMessage{}, false
}

func (r *Relay) enqueue(outbox chan<- OutboundMessage, msg OutboundMessage) {
	if msg.ChannelID == "" {
		msg.ChannelID = r.channelID
	}
	select {
	case outbox <- msg:
	default:
		r.log.Warn().Msg("outbox full, dropping message")
	}
}

// sendLoop drains the outbox at the limiter's pace.
func (r *Relay) sendLoop(ctx context.Context, outbox <-chan OutboundMessage, done chan<- struct{}) {
	defer close(done)
	for msg := range outbox {
		if err := r.limiter.Wait(ctx); err != nil {
			// Cancelled; drain without sending.
			continue
		}
		if err := r.adapter.Send(ctx, msg); err != nil {
			r.log.Warn().Err(err).Msg("send")
		}
	}
}
