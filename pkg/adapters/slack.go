package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

const defaultSlackBuffer = 256

// Slack is a socket-mode source adapter. It converts message and reaction
// callbacks into IncomingEvents, dropping everything the bot authored
// itself so the system never ingests its own output.
type Slack struct {
	botToken string
	appToken string
	apiURL   string

	mu        sync.RWMutex
	api       *goslack.Client
	socket    *socketmode.Client
	botUserID string

	events   chan models.IncomingEvent
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSlack creates the Slack adapter. Tokens are required; buffer bounds
// the event channel (0 uses the default).
func NewSlack(botToken, appToken string, buffer int) *Slack {
	return NewSlackWithAPIURL(botToken, appToken, "", buffer)
}

// NewSlackWithAPIURL creates a Slack adapter that targets a custom API URL.
// Useful for testing with a mock server.
func NewSlackWithAPIURL(botToken, appToken, apiURL string, buffer int) *Slack {
	if buffer <= 0 {
		buffer = defaultSlackBuffer
	}
	return &Slack{
		botToken: botToken,
		appToken: appToken,
		apiURL:   apiURL,
		events:   make(chan models.IncomingEvent, buffer),
		stop:     make(chan struct{}),
	}
}

func (a *Slack) Name() string { return "slack" }

// Events returns the adapter's output channel.
func (a *Slack) Events() <-chan models.IncomingEvent { return a.events }

// Connect authenticates with Slack and prepares the socket-mode client.
// The auth test also resolves the bot's own user id for self-filtering.
func (a *Slack) Connect(ctx context.Context) error {
	opts := []goslack.Option{goslack.OptionAppLevelToken(a.appToken)}
	if a.apiURL != "" {
		opts = append(opts, goslack.OptionAPIURL(a.apiURL))
	}
	api := goslack.New(a.botToken, opts...)
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "slack auth test failed", err)
	}

	a.mu.Lock()
	a.api = api
	a.socket = socketmode.New(api)
	a.botUserID = auth.UserID
	a.mu.Unlock()

	slog.Info("Slack adapter authenticated", "bot_user_id", auth.UserID, "team", auth.Team)
	return nil
}

// Disconnect drops the Slack clients. The socket itself is closed by the
// Start context.
func (a *Slack) Disconnect() error {
	a.mu.Lock()
	a.api = nil
	a.socket = nil
	a.mu.Unlock()
	return nil
}

// Start runs the socket-mode pump and the event dispatch loop. It returns
// nil on shutdown (context or Stop) and an error when the socket dies.
func (a *Slack) Start(ctx context.Context) error {
	a.mu.RLock()
	socket := a.socket
	a.mu.RUnlock()
	if socket == nil {
		return errs.New(errs.KindTransient, "slack adapter is not connected")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- socket.RunContext(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.stop:
			return nil
		case err := <-runErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				return errs.New(errs.KindUpstream, "slack socket closed")
			}
			return errs.Wrap(errs.KindUpstream, "slack socket failed", err)
		case evt := <-socket.Events:
			a.handleEvent(ctx, socket, evt)
		}
	}
}

// Stop ends the receive loop. Idempotent.
func (a *Slack) Stop() error {
	a.stopOnce.Do(func() { close(a.stop) })
	return nil
}

// HealthCheck verifies the API session is still accepted upstream.
func (a *Slack) HealthCheck(ctx context.Context) error {
	a.mu.RLock()
	api := a.api
	a.mu.RUnlock()
	if api == nil {
		return errs.New(errs.KindTransient, "slack adapter is not connected")
	}
	if _, err := api.AuthTestContext(ctx); err != nil {
		return errs.Wrap(errs.KindUpstream, "slack health check failed", err)
	}
	return nil
}

func (a *Slack) handleEvent(ctx context.Context, socket *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		slog.Debug("Slack socket connecting")
	case socketmode.EventTypeConnected:
		slog.Debug("Slack socket connected")
	case socketmode.EventTypeConnectionError:
		slog.Warn("Slack socket connection error", "detail", fmt.Sprint(evt.Data))
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
		if !ok || apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		a.handleCallback(ctx, apiEvent)
	}
}

func (a *Slack) handleCallback(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	switch inner := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev, ok := a.convertMessage(inner); ok {
			a.emit(ctx, ev)
		}
	case *slackevents.ReactionAddedEvent:
		if ev, ok := a.convertReaction(inner); ok {
			a.emit(ctx, ev)
		}
	}
}

// convertMessage maps one message callback to an IncomingEvent. Bot
// messages, self-authored messages, non-content subtypes, and empty
// messages report ok=false and are not ingested.
func (a *Slack) convertMessage(ev *slackevents.MessageEvent) (models.IncomingEvent, bool) {
	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()

	if ev.BotID != "" || ev.User == "" || ev.User == botUserID {
		return models.IncomingEvent{}, false
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return models.IncomingEvent{}, false
	}
	if strings.TrimSpace(ev.Text) == "" {
		return models.IncomingEvent{}, false
	}

	payload := map[string]any{
		"text":    ev.Text,
		"user":    ev.User,
		"channel": ev.Channel,
		"ts":      ev.TimeStamp,
	}
	if ev.ThreadTimeStamp != "" {
		payload["thread_ts"] = ev.ThreadTimeStamp
	}
	var metadata map[string]any
	if ev.ChannelType != "" {
		metadata = map[string]any{"channel_type": ev.ChannelType}
	}

	return models.IncomingEvent{
		Source:     "slack",
		EventType:  "message",
		ExternalID: ev.Channel + "." + ev.TimeStamp,
		Payload:    payload,
		Metadata:   metadata,
		Timestamp:  slackTime(ev.TimeStamp),
	}, true
}

// convertReaction maps a reaction_added callback. Reactions on a message
// arrive after the message itself, so they are ingested as their own
// events rather than mutating the staged message.
func (a *Slack) convertReaction(ev *slackevents.ReactionAddedEvent) (models.IncomingEvent, bool) {
	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()

	if ev.User == "" || ev.User == botUserID || ev.Item.Type != "message" {
		return models.IncomingEvent{}, false
	}

	return models.IncomingEvent{
		Source:    "slack",
		EventType: "reaction_added",
		ExternalID: fmt.Sprintf("%s.%s:%s:%s",
			ev.Item.Channel, ev.Item.Timestamp, ev.Reaction, ev.User),
		Payload: map[string]any{
			"reaction":  ev.Reaction,
			"user":      ev.User,
			"item_user": ev.ItemUser,
			"channel":   ev.Item.Channel,
			"item_ts":   ev.Item.Timestamp,
		},
		Timestamp: slackTime(ev.EventTimestamp),
	}, true
}

// emit hands one event to the runtime without blocking the socket loop.
// A full buffer drops the event; staging durability begins at ingestion.
func (a *Slack) emit(ctx context.Context, ev models.IncomingEvent) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	default:
		slog.Warn("Slack event buffer full, dropping event",
			"event_type", ev.EventType, "external_id", ev.ExternalID)
	}
}

// slackTime parses a Slack "seconds.microseconds" timestamp, falling back
// to the current time when the format is unexpected.
func slackTime(ts string) time.Time {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	var micros int64
	if fracPart != "" {
		for len(fracPart) < 6 {
			fracPart += "0"
		}
		micros, err = strconv.ParseInt(fracPart[:6], 10, 64)
		if err != nil {
			micros = 0
		}
	}
	return time.Unix(sec, micros*1000).UTC()
}
