package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/engram-dev/engram/pkg/models"
)

// Fake is a scripted in-memory provider for tests. Chat and Complete serve
// queued responses in FIFO order and fall back to a fixed text when the
// queue is empty; embeddings are a deterministic function of the input so
// similarity assertions are stable across runs. Safe for concurrent use.
type Fake struct {
	mu        sync.Mutex
	name      string
	dims      int
	turns     []fakeTurn
	chatCalls []FakeChatCall
	embedded  []string
	embedErr  error
	pinned    map[string][]float32
}

type fakeTurn struct {
	resp *ChatResponse
	err  error
}

// FakeChatCall records one Chat or Complete invocation.
type FakeChatCall struct {
	Messages []models.ConversationMessage
	Opts     Options
}

// NewFake returns a fake provider producing dims-dimensional embeddings.
func NewFake(name string, dims int) *Fake {
	if name == "" {
		name = "fake"
	}
	if dims <= 0 {
		dims = 8
	}
	return &Fake{name: name, dims: dims}
}

// QueueResponse schedules resp as the next chat result.
func (f *Fake) QueueResponse(resp *ChatResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, fakeTurn{resp: resp})
}

// QueueText schedules a text-only chat result.
func (f *Fake) QueueText(text string) {
	f.QueueResponse(&ChatResponse{Text: text, StopReason: "end_turn"})
}

// QueueError schedules err as the next chat result.
func (f *Fake) QueueError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, fakeTurn{err: err})
}

// SetEmbedError makes all embedding calls fail with err until cleared.
func (f *Fake) SetEmbedError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedErr = err
}

// PinEmbedding fixes the vector returned for an exact text, overriding the
// derived embedding. Tests use it to place queries at chosen similarities.
func (f *Fake) PinEmbedding(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pinned == nil {
		f.pinned = make(map[string][]float32)
	}
	f.pinned[text] = vec
}

// ChatCalls returns the recorded chat invocations, oldest first.
func (f *Fake) ChatCalls() []FakeChatCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeChatCall, len(f.chatCalls))
	copy(out, f.chatCalls)
	return out
}

// EmbeddedTexts returns every text embedded so far, in call order.
func (f *Fake) EmbeddedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.embedded))
	copy(out, f.embedded)
	return out
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Supports(Op) bool { return true }

func (f *Fake) CountTokens(text string) int { return EstimateTokens(text) }

func (f *Fake) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := f.Chat(ctx, []models.ConversationMessage{{Role: models.RoleUser, Content: prompt}}, opts)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (f *Fake) Chat(_ context.Context, messages []models.ConversationMessage, opts Options) (*ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls = append(f.chatCalls, FakeChatCall{Messages: messages, Opts: opts})
	if len(f.turns) == 0 {
		return &ChatResponse{Text: "ok", StopReason: "end_turn"}, nil
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]
	if turn.err != nil {
		return nil, turn.err
	}
	return turn.resp, nil
}

func (f *Fake) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	f.embedded = append(f.embedded, text)
	if vec, ok := f.pinned[text]; ok {
		return vec, nil
	}
	return FakeEmbedding(text, f.dims), nil
}

func (f *Fake) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// FakeEmbedding derives a deterministic unit vector from text. Equal inputs
// map to equal vectors, so dedup and similarity tests behave like tests
// against a real embedding model without the network.
func FakeEmbedding(text string, dims int) []float32 {
	sum := sha256.Sum256([]byte(text))
	rng := rand.New(rand.NewPCG(
		binary.BigEndian.Uint64(sum[:8]),
		binary.BigEndian.Uint64(sum[8:16]),
	))
	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
