package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/eventlog"
	"github.com/engram-dev/engram/pkg/models"
	"github.com/engram-dev/engram/pkg/pipeline"
	"github.com/engram-dev/engram/pkg/queue"
	testutil "github.com/engram-dev/engram/test/util"
)

type ingestEnv struct {
	service *Service
	events  *eventlog.Store
	jobs    *queue.Client
	rdb     *redis.Client
}

func setupIngest(t *testing.T) *ingestEnv {
	t.Helper()
	client := testutil.SetupTestDatabase(t)
	events := eventlog.NewStore(client.DB())

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	jobs := queue.NewClient(rdb, config.RetentionConfig{
		CompletedJobAge:   time.Hour,
		CompletedJobLimit: 1000,
		FailedJobAge:      time.Hour,
	})

	return &ingestEnv{
		service: NewService(events, jobs),
		events:  events,
		jobs:    jobs,
		rdb:     rdb,
	}
}

func slackEvent(externalID, text string) models.IncomingEvent {
	return models.IncomingEvent{
		Source:     "slack",
		EventType:  "message",
		ExternalID: externalID,
		Payload:    map[string]any{"text": text, "user": "alice"},
		Timestamp:  time.Now().UTC(),
	}
}

// waitingEventIDs resolves the processing queue's waiting jobs to the event
// ids they carry, oldest first.
func (env *ingestEnv) waitingEventIDs(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	jobIDs, err := env.rdb.LRange(ctx, "engram:processing:waiting", 0, -1).Result()
	require.NoError(t, err)

	ids := make([]string, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		job, err := env.jobs.GetJob(ctx, config.QueueProcessing, jobID)
		require.NoError(t, err)
		assert.Equal(t, "process-event", job.Name)

		var payload pipeline.ProcessPayload
		require.NoError(t, job.UnmarshalPayload(&payload))
		ids = append(ids, payload.EventID)
	}
	return ids
}

func TestHandleIncomingStagesAndEnqueues(t *testing.T) {
	env := setupIngest(t)
	ctx := context.Background()

	result, err := env.service.HandleIncoming(ctx, slackEvent("1700000000.000100", "deploy window moved to friday"))
	require.NoError(t, err)
	require.NotNil(t, result.Event)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "slack", result.Event.Source)
	assert.Equal(t, "message", result.Event.EventType)
	assert.Equal(t, models.StatusPending, result.Event.ProcessingStatus)

	stored, err := env.events.GetByID(ctx, result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy window moved to friday", stored.Payload["text"])

	assert.Equal(t, []string{result.Event.ID}, env.waitingEventIDs(t))
}

func TestHandleIncomingDropsKnownExternalID(t *testing.T) {
	env := setupIngest(t)
	ctx := context.Background()

	first, err := env.service.HandleIncoming(ctx, slackEvent("1700000000.000200", "payments retry bug closed"))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := env.service.HandleIncoming(ctx, slackEvent("1700000000.000200", "payments retry bug closed"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	// The original job is the only one enqueued.
	assert.Equal(t, []string{first.Event.ID}, env.waitingEventIDs(t))

	counts, err := env.events.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.StatusPending])
}

func TestHandleIncomingWithoutExternalID(t *testing.T) {
	env := setupIngest(t)
	ctx := context.Background()

	first, err := env.service.HandleIncoming(ctx, slackEvent("", "standup notes"))
	require.NoError(t, err)
	second, err := env.service.HandleIncoming(ctx, slackEvent("", "standup notes"))
	require.NoError(t, err)

	// Without an external id there is nothing to dedup on.
	assert.False(t, first.Duplicate)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.Event.ID, second.Event.ID)
	assert.ElementsMatch(t, []string{first.Event.ID, second.Event.ID}, env.waitingEventIDs(t))
}

func TestHandleIncomingValidationError(t *testing.T) {
	env := setupIngest(t)
	ctx := context.Background()

	ev := slackEvent("1700000000.000300", "orphan")
	ev.Source = ""

	result, err := env.service.HandleIncoming(ctx, ev)
	assert.Nil(t, result)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	assert.Empty(t, env.waitingEventIDs(t))
}

func TestHandleIncomingKeepsMetadata(t *testing.T) {
	env := setupIngest(t)
	ctx := context.Background()

	ev := slackEvent("1700000000.000400", "incident resolved")
	ev.Metadata = map[string]any{"channel": "C024BE91L", "thread_ts": "1700000000.000001"}

	result, err := env.service.HandleIncoming(ctx, ev)
	require.NoError(t, err)

	stored, err := env.events.GetByID(ctx, result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, "C024BE91L", stored.Metadata["channel"])
	assert.Equal(t, "1700000000.000001", stored.Metadata["thread_ts"])
}

func TestRunDrainsChannel(t *testing.T) {
	env := setupIngest(t)
	ctx := context.Background()

	broken := slackEvent("1700000000.000503", "no source")
	broken.Source = ""

	ch := make(chan models.IncomingEvent, 4)
	ch <- slackEvent("1700000000.000501", "first")
	ch <- slackEvent("1700000000.000501", "first again")
	ch <- broken
	ch <- slackEvent("1700000000.000502", "second")
	close(ch)

	env.service.Run(ctx, ch)

	// Duplicate dropped, broken event skipped, the rest staged.
	assert.Len(t, env.waitingEventIDs(t), 2)
	counts, err := env.events.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.StatusPending])
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := setupIngest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan models.IncomingEvent)
	done := make(chan struct{})
	go func() {
		env.service.Run(ctx, ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRecoverReenqueuesPending(t *testing.T) {
	env := setupIngest(t)
	ctx := context.Background()

	// Staged directly, as if the enqueue step had failed after insert.
	var eventIDs []string
	for _, externalID := range []string{"a-1", "a-2", "a-3"} {
		event, err := env.events.Insert(ctx, eventlog.InsertInput{
			Source:     "jira",
			EventType:  "issue_updated",
			ExternalID: externalID,
			Payload:    map[string]any{"key": "PAY-101"},
		})
		require.NoError(t, err)
		eventIDs = append(eventIDs, event.ID)
	}

	count, err := env.service.Recover(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.ElementsMatch(t, eventIDs, env.waitingEventIDs(t))
}

func TestRecoverHonorsLimit(t *testing.T) {
	env := setupIngest(t)
	ctx := context.Background()

	for _, externalID := range []string{"b-1", "b-2", "b-3"} {
		_, err := env.events.Insert(ctx, eventlog.InsertInput{
			Source:     "jira",
			EventType:  "issue_updated",
			ExternalID: externalID,
			Payload:    map[string]any{"key": "PAY-102"},
		})
		require.NoError(t, err)
	}

	count, err := env.service.Recover(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, env.waitingEventIDs(t), 2)
}

func TestRecoverSkipsSettledEvents(t *testing.T) {
	env := setupIngest(t)
	ctx := context.Background()

	event, err := env.events.Insert(ctx, eventlog.InsertInput{
		Source:    "git",
		EventType: "commit",
		Payload:   map[string]any{"sha": "deadbeef"},
	})
	require.NoError(t, err)
	require.NoError(t, env.events.MarkStatus(ctx, event.ID, models.StatusCompleted))

	count, err := env.service.Recover(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, env.waitingEventIDs(t))
}

func TestHandlerRunsSweep(t *testing.T) {
	env := setupIngest(t)
	ctx := context.Background()

	event, err := env.events.Insert(ctx, eventlog.InsertInput{
		Source:    "git",
		EventType: "pull_request",
		Payload:   map[string]any{"number": 42},
	})
	require.NoError(t, err)

	job := &queue.Job{
		ID:      "job-1",
		Queue:   config.QueueIngestion,
		Name:    "recover-pending",
		Payload: []byte(`{"limit":5}`),
	}
	require.NoError(t, env.service.Handler()(ctx, job))
	assert.Equal(t, []string{event.ID}, env.waitingEventIDs(t))
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	env := setupIngest(t)

	job := &queue.Job{
		ID:      "job-2",
		Queue:   config.QueueIngestion,
		Name:    "recover-pending",
		Payload: []byte(`{"limit":`),
	}
	err := env.service.Handler()(context.Background(), job)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}
