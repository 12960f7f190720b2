// Package slack implements the relay Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/zulandar/switchboard/internal/relay"
)

const (
	maxRetries           = 3
	baseBackoff          = 2 * time.Second
	maxBackoff           = 2 * time.Minute
	maxReconnectAttempts = 10
)

var mentionRe = regexp.MustCompile(`^\s*<@[A-Z0-9]+>\s*`)

// slackClient is the subset of the Web API the adapter calls.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient is the subset of the Socket Mode client the adapter calls.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements relay.Adapter over Slack Socket Mode.
type Adapter struct {
	client    slackClient
	socket    socketClient
	appToken  string
	botToken  string
	channelID string
	log       zerolog.Logger

	mu         sync.Mutex
	botUserID  string
	connected  bool
	closed     bool
	inbound    chan relay.InboundMessage
	cancelFunc context.CancelFunc
	names      map[string]string // user id -> display name

	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... app-level token for Socket Mode
	BotToken  string // xoxb-... bot token
	ChannelID string // default channel
	Logger    zerolog.Logger

	// Injected in tests instead of the real Slack clients.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		channelID:    opts.ChannelID,
		log:          opts.Logger.With().Str("component", "slack").Logger(),
		inbound:      make(chan relay.InboundMessage, 100),
		names:        make(map[string]string),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates the bot and records its user id.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen starts the Socket Mode loop and returns the inbound channel.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)
	return a.inbound, nil
}

// Send posts msg, rendering formatted events as Block Kit sections.
func (a *Adapter) Send(ctx context.Context, msg relay.OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("slack: not connected")
	}

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	options := buildMessageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close stops the Socket Mode loop and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user id once connected.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		a.log.Warn().Err(err).Int("attempt", attempt+1).Int("max", a.maxReconnect).Dur("wait", wait).
			Msg("socket mode disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	a.log.Error().Int("attempts", a.maxReconnect).Msg("socket mode reconnection attempts exhausted")
}

func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		switch ev := apiEvent.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			// Edits, deletes and other bots' posts carry a subtype or bot id.
			if ev.BotID != "" || ev.SubType != "" {
				return
			}
			a.deliver(ev.Channel, ev.ThreadTimeStamp, ev.User, ev.Text, ev.TimeStamp)
		case *slackevents.AppMentionEvent:
			a.deliver(ev.Channel, ev.ThreadTimeStamp, ev.User, mentionRe.ReplaceAllString(ev.Text, ""), ev.TimeStamp)
		}

	case socketmode.EventTypeConnected:
		a.log.Info().Msg("connected to socket mode")
	case socketmode.EventTypeConnectionError:
		a.log.Warn().Interface("data", evt.Data).Msg("socket mode connection error")
	case socketmode.EventTypeDisconnect:
		a.log.Info().Msg("server requested disconnect")
	}
}

// deliver queues an inbound message, dropping it when the consumer has
// fallen behind or the adapter is closed.
func (a *Adapter) deliver(channel, threadTS, user, text, ts string) {
	if user == "" || user == a.BotUserID() {
		return
	}
	msg := relay.InboundMessage{
		Platform:  "slack",
		ChannelID: channel,
		ThreadID:  threadTS,
		UserID:    user,
		UserName:  a.resolveUserName(user),
		Text:      strings.TrimSpace(text),
		Timestamp: parseSlackTimestamp(ts),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		a.log.Warn().Str("user", user).Msg("inbound buffer full, dropping message")
	}
}

// resolveUserName returns the display name for userID, falling back to the
// real name and then the id itself. Results are cached.
func (a *Adapter) resolveUserName(userID string) string {
	a.mu.Lock()
	name, ok := a.names[userID]
	a.mu.Unlock()
	if ok {
		return name
	}

	name = userID
	if user, err := a.client.GetUserInfo(userID); err == nil {
		switch {
		case user.Profile.DisplayName != "":
			name = user.Profile.DisplayName
		case user.RealName != "":
			name = user.RealName
		}
	}
	a.mu.Lock()
	a.names[userID] = name
	a.mu.Unlock()
	return name
}

func buildMessageOptions(msg relay.OutboundMessage) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if msg.ThreadID != "" {
		options = append(options, slackapi.MsgOptionTS(msg.ThreadID))
	}

	text := msg.Text
	if len(msg.Events) == 0 {
		return append(options, slackapi.MsgOptionText(text, false))
	}

	var blocks []slackapi.Block
	var attachments []slackapi.Attachment
	for _, evt := range msg.Events {
		blocks = append(blocks, eventBlocks(evt)...)
		// A bare attachment carries the severity color next to the blocks.
		attachments = append(attachments, slackapi.Attachment{Color: evt.Color, Fallback: evt.Title})
		if text == "" {
			text = evt.Title
		}
	}
	return append(options,
		slackapi.MsgOptionText(text, false),
		slackapi.MsgOptionBlocks(blocks...),
		slackapi.MsgOptionAttachments(attachments...),
	)
}

// eventBlocks renders one event as a header, a markdown body and a section of
// fields.
func eventBlocks(evt relay.FormattedEvent) []slackapi.Block {
	blocks := []slackapi.Block{
		slackapi.NewHeaderBlock(slackapi.NewTextBlockObject(slackapi.PlainTextType, evt.Title, false, false)),
	}
	if evt.Body != "" {
		blocks = append(blocks, slackapi.NewSectionBlock(
			slackapi.NewTextBlockObject(slackapi.MarkdownType, evt.Body, false, false), nil, nil))
	}
	if len(evt.Fields) > 0 {
		fields := make([]*slackapi.TextBlockObject, 0, len(evt.Fields))
		for _, f := range evt.Fields {
			fields = append(fields, slackapi.NewTextBlockObject(slackapi.MarkdownType, fmt.Sprintf("*%s*\n%s", f.Name, f.Value), false, false))
		}
		blocks = append(blocks, slackapi.NewSectionBlock(nil, fields, nil))
	}
	return blocks
}

// retryOnRateLimit retries fn after Slack's RetryAfter hint while it keeps
// returning rate-limit errors.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// parseSlackTimestamp converts "1234567890.123456" to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		usec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(sec, usec*int64(time.Microsecond))
}
