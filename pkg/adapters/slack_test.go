package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

func testSlack(buffer int) *Slack {
	a := NewSlack("xoxb-test", "xapp-test", buffer)
	a.botUserID = "UBOT"
	return a
}

func messageEvent() *slackevents.MessageEvent {
	return &slackevents.MessageEvent{
		User:        "U024BE7LH",
		Text:        "deploy window moved to friday",
		Channel:     "C024BE91L",
		ChannelType: "channel",
		TimeStamp:   "1700000000.000100",
	}
}

func TestConvertMessage(t *testing.T) {
	a := testSlack(8)
	ev := messageEvent()
	ev.ThreadTimeStamp = "1699999990.000001"

	out, ok := a.convertMessage(ev)
	require.True(t, ok)
	assert.Equal(t, "slack", out.Source)
	assert.Equal(t, "message", out.EventType)
	assert.Equal(t, "C024BE91L.1700000000.000100", out.ExternalID)
	assert.Equal(t, "deploy window moved to friday", out.Payload["text"])
	assert.Equal(t, "U024BE7LH", out.Payload["user"])
	assert.Equal(t, "C024BE91L", out.Payload["channel"])
	assert.Equal(t, "1700000000.000100", out.Payload["ts"])
	assert.Equal(t, "1699999990.000001", out.Payload["thread_ts"])
	assert.Equal(t, map[string]any{"channel_type": "channel"}, out.Metadata)
	assert.Equal(t, time.Unix(1700000000, 100_000).UTC(), out.Timestamp)
}

func TestConvertMessageTopLevel(t *testing.T) {
	a := testSlack(8)

	out, ok := a.convertMessage(messageEvent())
	require.True(t, ok)
	assert.NotContains(t, out.Payload, "thread_ts")
}

func TestConvertMessageDrops(t *testing.T) {
	a := testSlack(8)
	tests := []struct {
		name   string
		mutate func(*slackevents.MessageEvent)
	}{
		{"bot message", func(ev *slackevents.MessageEvent) { ev.BotID = "B0001" }},
		{"self authored", func(ev *slackevents.MessageEvent) { ev.User = "UBOT" }},
		{"missing user", func(ev *slackevents.MessageEvent) { ev.User = "" }},
		{"edit subtype", func(ev *slackevents.MessageEvent) { ev.SubType = "message_changed" }},
		{"join subtype", func(ev *slackevents.MessageEvent) { ev.SubType = "channel_join" }},
		{"blank text", func(ev *slackevents.MessageEvent) { ev.Text = "   " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := messageEvent()
			tt.mutate(ev)
			_, ok := a.convertMessage(ev)
			assert.False(t, ok)
		})
	}
}

func TestConvertMessageAllowsFileShare(t *testing.T) {
	a := testSlack(8)
	ev := messageEvent()
	ev.SubType = "file_share"

	out, ok := a.convertMessage(ev)
	require.True(t, ok)
	assert.Equal(t, "message", out.EventType)
}

func TestConvertReaction(t *testing.T) {
	a := testSlack(8)
	ev := &slackevents.ReactionAddedEvent{
		User:     "U024BE7LH",
		Reaction: "rocket",
		ItemUser: "U0G9QF9C6",
		Item: slackevents.Item{
			Type:      "message",
			Channel:   "C024BE91L",
			Timestamp: "1700000000.000100",
		},
		EventTimestamp: "1700000050.000200",
	}

	out, ok := a.convertReaction(ev)
	require.True(t, ok)
	assert.Equal(t, "slack", out.Source)
	assert.Equal(t, "reaction_added", out.EventType)
	assert.Equal(t, "C024BE91L.1700000000.000100:rocket:U024BE7LH", out.ExternalID)
	assert.Equal(t, "rocket", out.Payload["reaction"])
	assert.Equal(t, "U024BE7LH", out.Payload["user"])
	assert.Equal(t, "U0G9QF9C6", out.Payload["item_user"])
	assert.Equal(t, "1700000000.000100", out.Payload["item_ts"])
	assert.Equal(t, time.Unix(1700000050, 200_000).UTC(), out.Timestamp)
}

func TestConvertReactionDrops(t *testing.T) {
	a := testSlack(8)
	tests := []struct {
		name   string
		mutate func(*slackevents.ReactionAddedEvent)
	}{
		{"self reaction", func(ev *slackevents.ReactionAddedEvent) { ev.User = "UBOT" }},
		{"missing user", func(ev *slackevents.ReactionAddedEvent) { ev.User = "" }},
		{"file item", func(ev *slackevents.ReactionAddedEvent) { ev.Item.Type = "file" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &slackevents.ReactionAddedEvent{
				User:     "U024BE7LH",
				Reaction: "rocket",
				Item:     slackevents.Item{Type: "message", Channel: "C1", Timestamp: "1.000000"},
			}
			tt.mutate(ev)
			_, ok := a.convertReaction(ev)
			assert.False(t, ok)
		})
	}
}

func TestSlackTime(t *testing.T) {
	tests := []struct {
		ts   string
		want time.Time
	}{
		{"1700000000.000100", time.Unix(1700000000, 100_000).UTC()},
		{"1700000000.12", time.Unix(1700000000, 120_000_000).UTC()},
		{"1700000000", time.Unix(1700000000, 0).UTC()},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slackTime(tt.ts), "ts %q", tt.ts)
	}

	// Unparseable timestamps fall back to now.
	assert.WithinDuration(t, time.Now(), slackTime("not-a-ts"), 5*time.Second)
}

func TestEmitDropsWhenBufferFull(t *testing.T) {
	a := testSlack(1)
	ctx := context.Background()

	a.emit(ctx, models.IncomingEvent{ExternalID: "keep"})
	a.emit(ctx, models.IncomingEvent{ExternalID: "drop"})

	require.Len(t, a.events, 1)
	got := <-a.events
	assert.Equal(t, "keep", got.ExternalID)
}

func slackAPIServer(t *testing.T, authBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth.test", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(authBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSlackConnect(t *testing.T) {
	srv := slackAPIServer(t, `{"ok":true,"team":"engram","user":"membot","team_id":"T1","user_id":"UBOT"}`)
	a := NewSlackWithAPIURL("xoxb-test", "xapp-test", srv.URL+"/", 8)

	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, "UBOT", a.botUserID)
	assert.NoError(t, a.HealthCheck(context.Background()))

	require.NoError(t, a.Disconnect())
	err := a.HealthCheck(context.Background())
	assert.True(t, errs.IsKind(err, errs.KindTransient))
}

func TestSlackConnectAuthFailure(t *testing.T) {
	srv := slackAPIServer(t, `{"ok":false,"error":"invalid_auth"}`)
	a := NewSlackWithAPIURL("xoxb-bad", "xapp-bad", srv.URL+"/", 8)

	err := a.Connect(context.Background())
	assert.True(t, errs.IsKind(err, errs.KindUpstream))
}

func TestSlackStartRequiresConnect(t *testing.T) {
	a := testSlack(8)
	err := a.Start(context.Background())
	assert.True(t, errs.IsKind(err, errs.KindTransient))
}

func TestSlackStopIsIdempotent(t *testing.T) {
	a := testSlack(8)
	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
}
