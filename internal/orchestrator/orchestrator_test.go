package orchestrator

import (
	"context"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/contractai/chat-gateway/internal/entitlement"
	"github.com/contractai/chat-gateway/internal/generation"
	"github.com/contractai/chat-gateway/internal/logging"
	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/internal/services"
	"github.com/contractai/chat-gateway/internal/store"
	"github.com/contractai/chat-gateway/internal/store/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "0x1111111111111111111111111111111111111111"

// chunkReader replays chunks, then ends with err (io.EOF when nil).
// With hold set it blocks after the last chunk until released or closed.
type chunkReader struct {
	mu      sync.Mutex
	chunks  [][]byte
	err     error
	hold    chan struct{}
	closed  chan struct{}
	once    sync.Once
	drained chan struct{}
}

func newChunkReader(err error, chunks ...string) *chunkReader {
	r := &chunkReader{err: err, closed: make(chan struct{}), drained: make(chan struct{})}
	for _, c := range chunks {
		r.chunks = append(r.chunks, []byte(c))
	}
	return r
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	if len(r.chunks) > 0 {
		n := copy(p, r.chunks[0])
		r.chunks[0] = r.chunks[0][n:]
		if len(r.chunks[0]) == 0 {
			r.chunks = r.chunks[1:]
		}
		r.mu.Unlock()
		return n, nil
	}
	r.mu.Unlock()

	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-r.closed:
			return 0, errors.New("read on closed body")
		}
	}
	if r.err != nil {
		return 0, r.err
	}
	return 0, io.EOF
}

func (r *chunkReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type fakeBackend struct {
	mu      sync.Mutex
	readers []*chunkReader
	err     error
	reqs    []generation.Request
}

func (b *fakeBackend) Open(_ context.Context, req generation.Request) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	if b.err != nil {
		return nil, b.err
	}
	r := b.readers[0]
	b.readers = b.readers[1:]
	return r, nil
}

type fakeOracle struct {
	balance *big.Int
}

func (f fakeOracle) BalanceOf(context.Context, string, int64) (*big.Int, error) {
	return f.balance, nil
}

type checkerFunc func(ctx context.Context, address, modelID string) entitlement.Decision

func (f checkerFunc) Check(ctx context.Context, address, modelID string) entitlement.Decision {
	return f(ctx, address, modelID)
}

type recorder struct {
	mu      sync.Mutex
	started []models.Message
	deltas  []string
}

func (r *recorder) Started(m models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, m)
}

func (r *recorder) Delta(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, s)
}

type harness struct {
	orch    *Orchestrator
	svc     *services.ConversationService
	backend *fakeBackend
}

func newHarness(t *testing.T, gate EntitlementChecker) *harness {
	t.Helper()
	svc := services.NewConversationService(memory.NewMemoryStore(), models.DefaultCatalog(), logging.Nop())
	backend := &fakeBackend{}
	orch := New(svc, gate, backend, Config{GateTimeout: time.Second, ChunkSize: 3}, logging.Nop())
	return &harness{orch: orch, svc: svc, backend: backend}
}

func holderGate(balance int64) *entitlement.Gate {
	return entitlement.NewGate(models.DefaultCatalog(), models.DefaultTokenMapping(),
		fakeOracle{balance: big.NewInt(balance)}, nil, entitlement.Config{Timeout: time.Second, CacheTTL: time.Minute}, logging.Nop())
}

func (h *harness) conversation(t *testing.T, modelID string) uuid.UUID {
	t.Helper()
	conv, err := h.svc.CreateConversation(context.Background(), owner, modelID)
	require.NoError(t, err)
	return conv.ID
}

func (h *harness) messages(t *testing.T, id uuid.UUID) []models.Message {
	t.Helper()
	conv, err := h.svc.GetConversation(context.Background(), owner, id)
	require.NoError(t, err)
	return conv.Messages
}

func TestScenarioCompleteReply(t *testing.T) {
	h := newHarness(t, holderGate(1))
	h.backend.readers = []*chunkReader{newChunkReader(nil, "0:\"Hello\"\n", "0:\" world\"\n")}
	id := h.conversation(t, "auditor")

	rec := &recorder{}
	res, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "hi"}, rec)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, entitlement.Allowed, res.Decision.Outcome)
	assert.Equal(t, "Hello world", res.Assistant.Content)

	msgs := h.messages(t, id)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)
	assert.True(t, msgs[1].Complete)
	assert.False(t, msgs[1].IsError)

	require.Len(t, rec.started, 1)
	assert.Equal(t, msgs[1].ID, rec.started[0].ID)
	assert.Equal(t, "Hello world", joinDeltas(rec.deltas))

	require.Len(t, h.backend.reqs, 1)
	assert.Equal(t, generation.SystemPrompt("auditor"), h.backend.reqs[0].SystemPrompt)
	assert.Equal(t, []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}, h.backend.reqs[0].Messages)

	assert.Equal(t, StateIdle, h.orch.State(id))
	assert.False(t, h.orch.locks.Held(id))
}

func TestScenarioTransportDropKeepsPartial(t *testing.T) {
	h := newHarness(t, holderGate(1))
	h.backend.readers = []*chunkReader{newChunkReader(io.ErrUnexpectedEOF, "0:\"Hello\"\n")}
	id := h.conversation(t, "auditor")

	res, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "hi"}, nil)
	require.ErrorIs(t, err, ErrStreamTransport)
	assert.False(t, res.Complete)

	msgs := h.messages(t, id)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.False(t, msgs[1].Complete)
	assert.False(t, h.orch.locks.Held(id))
}

func TestTrailingPartialRecordMarksIncomplete(t *testing.T) {
	h := newHarness(t, holderGate(1))
	h.backend.readers = []*chunkReader{newChunkReader(nil, "0:\"Hello\"\n0:\" wo")}
	id := h.conversation(t, "auditor")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "hi"}, nil)
	require.ErrorIs(t, err, ErrStreamTransport)

	msgs := h.messages(t, id)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.False(t, msgs[1].Complete)
}

func TestUpstreamErrorRecord(t *testing.T) {
	h := newHarness(t, holderGate(1))
	h.backend.readers = []*chunkReader{newChunkReader(nil, "3:\"quota exceeded\"\n")}
	id := h.conversation(t, "auditor")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "hi"}, nil)
	require.ErrorIs(t, err, ErrUpstreamGeneration)

	msgs := h.messages(t, id)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsError)
	assert.Equal(t, "Error: quota exceeded. Please try again.", msgs[1].Content)
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	h := newHarness(t, holderGate(1))
	first := newChunkReader(nil, "0:\"first\"\n")
	first.hold = make(chan struct{})
	second := newChunkReader(nil, "0:\"second\"\n")
	h.backend.readers = []*chunkReader{first, second}
	id := h.conversation(t, "auditor")

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "one"}, nil)
		done <- err
	}()
	<-first.drained
	assert.Equal(t, StateStreaming, h.orch.State(id))
	_, content, ok := h.orch.LiveContent(id)
	require.True(t, ok)
	assert.Equal(t, "first", content)

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "two"}, nil)
	require.ErrorIs(t, err, ErrTurnInProgress)

	close(first.hold)
	require.NoError(t, <-done)

	msgs := h.messages(t, id)
	require.Len(t, msgs, 2, "rejected submit must not persist anything")
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "first", msgs[1].Content)
	assert.True(t, msgs[1].Complete)

	// The conversation accepts the next turn once the first has finished.
	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "two"}, nil)
	require.NoError(t, err)
	assert.Len(t, h.messages(t, id), 4)
}

func TestDeniedTurnsAlternate(t *testing.T) {
	h := newHarness(t, holderGate(0))
	id := h.conversation(t, "auditor")

	const turns = 4
	for i := 0; i < turns; i++ {
		res, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "please"}, nil)
		require.ErrorIs(t, err, ErrEntitlementDenied)
		require.NotNil(t, res.Decision.TokenID)
		assert.Equal(t, int64(0), *res.Decision.TokenID)
	}

	msgs := h.messages(t, id)
	require.Len(t, msgs, 2*turns)
	for i, m := range msgs {
		if i%2 == 0 {
			assert.Equal(t, models.RoleUser, m.Role)
			assert.Equal(t, "please", m.Content)
		} else {
			assert.Equal(t, models.RoleAssistant, m.Role)
			assert.True(t, m.IsError)
		}
	}
	assert.Empty(t, h.backend.reqs)
}

func TestGateFailureMapsToCheckFailed(t *testing.T) {
	gate := checkerFunc(func(context.Context, string, string) entitlement.Decision {
		return entitlement.Decision{Outcome: entitlement.CheckFailed, Reason: entitlement.ReasonOracle, Err: errors.New("rpc down")}
	})
	h := newHarness(t, gate)
	id := h.conversation(t, "auditor")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "hi"}, nil)
	require.ErrorIs(t, err, ErrEntitlementCheckFailed)
	assert.NotErrorIs(t, err, ErrEntitlementDenied)
	assert.Len(t, h.messages(t, id), 2)
}

func TestGateCheckIsBounded(t *testing.T) {
	gate := checkerFunc(func(ctx context.Context, _, _ string) entitlement.Decision {
		_, hasDeadline := ctx.Deadline()
		if !hasDeadline {
			return entitlement.Decision{Outcome: entitlement.Allowed}
		}
		<-ctx.Done()
		return entitlement.Decision{Outcome: entitlement.CheckFailed, Reason: entitlement.ReasonTimeout}
	})
	h := newHarness(t, gate)
	h.orch.cfg.GateTimeout = 20 * time.Millisecond
	id := h.conversation(t, "auditor")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "hi"}, nil)
	require.ErrorIs(t, err, ErrEntitlementCheckFailed)
}

func TestFreeModelNeedsNoAddress(t *testing.T) {
	svc := services.NewConversationService(memory.NewMemoryStore(), models.DefaultCatalog(), logging.Nop())
	backend := &fakeBackend{readers: []*chunkReader{newChunkReader(nil, "0:\"hey\"\n")}}
	orch := New(svc, holderGate(0), backend, Config{}, logging.Nop())

	conv, err := svc.CreateConversation(context.Background(), "", "basic")
	require.NoError(t, err)
	res, err := orch.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, Content: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hey", res.Assistant.Content)
}

func TestCancellationKeepsPartialAndReleasesLock(t *testing.T) {
	h := newHarness(t, holderGate(1))
	r := newChunkReader(nil, "0:\"partial\"\n")
	r.hold = make(chan struct{})
	h.backend.readers = []*chunkReader{r}
	id := h.conversation(t, "auditor")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Submit(ctx, SubmitRequest{ConversationID: id, Address: owner, Content: "hi"}, nil)
		done <- err
	}()
	<-r.drained
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTurnCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop after cancellation")
	}

	msgs := h.messages(t, id)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.False(t, msgs[1].Complete)
	assert.False(t, h.orch.locks.Held(id))
	assert.Equal(t, StateIdle, h.orch.State(id))
}

func TestBackendOpenFailure(t *testing.T) {
	h := newHarness(t, holderGate(1))
	_, openErr := generation.Unconfigured{Reason: "Google API key not configured"}.Open(context.Background(), generation.Request{})
	h.backend.err = openErr
	id := h.conversation(t, "auditor")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "hi"}, nil)
	require.ErrorIs(t, err, ErrConfiguration)

	msgs := h.messages(t, id)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsError)
	assert.False(t, msgs[1].IsPlaceholder())
	assert.False(t, h.orch.locks.Held(id))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, holderGate(1))
	id := h.conversation(t, "auditor")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "  "}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: uuid.New(), Address: owner, Content: "hi"}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, IsNotFound(err))

	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: "0x2222222222222222222222222222222222222222", Content: "hi"}, nil)
	assert.True(t, IsNotFound(err))
	assert.Empty(t, h.messages(t, id))
}

func TestHistoryExcludesErrorMessages(t *testing.T) {
	h := newHarness(t, holderGate(1))
	h.backend.readers = []*chunkReader{newChunkReader(nil, "0:\"ok\"\n")}
	id := h.conversation(t, "auditor")
	ctx := context.Background()

	_, err := h.svc.AppendMessage(ctx, id, models.RoleUser, "earlier")
	require.NoError(t, err)
	_, err = h.svc.AppendAssistantError(ctx, id, "boom")
	require.NoError(t, err)

	_, err = h.orch.Submit(ctx, SubmitRequest{ConversationID: id, Address: owner, Content: "again"}, nil)
	require.NoError(t, err)

	require.Len(t, h.backend.reqs, 1)
	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleUser, Content: "earlier"},
		{Role: models.RoleUser, Content: "again"},
	}, h.backend.reqs[0].Messages)
}

func TestDecisionError(t *testing.T) {
	assert.NoError(t, DecisionError(entitlement.Decision{Outcome: entitlement.Allowed}))
	assert.ErrorIs(t, DecisionError(entitlement.Decision{Outcome: entitlement.Denied}), ErrEntitlementDenied)
	assert.ErrorIs(t, DecisionError(entitlement.Decision{Outcome: entitlement.CheckFailed, Reason: entitlement.ReasonAddressRequired}), ErrAuthenticationRequired)
	assert.ErrorIs(t, DecisionError(entitlement.Decision{Outcome: entitlement.CheckFailed, Reason: entitlement.ReasonUnknownModel}), ErrInvalidRequest)
	assert.ErrorIs(t, DecisionError(entitlement.Decision{Outcome: entitlement.CheckFailed, Reason: entitlement.ReasonInvalidModel}), ErrConfiguration)
	assert.ErrorIs(t, DecisionError(entitlement.Decision{Outcome: entitlement.CheckFailed, Reason: entitlement.ReasonTimeout}), ErrEntitlementCheckFailed)
}

func TestTurnLocks(t *testing.T) {
	l := NewTurnLocks()
	id := uuid.New()
	assert.True(t, l.TryAcquire(id))
	assert.False(t, l.TryAcquire(id))
	assert.True(t, l.TryAcquire(uuid.New()))
	l.Release(id)
	assert.True(t, l.TryAcquire(id))
	l.Release(id)
	l.Release(id)
	assert.False(t, l.Held(id))
}

func joinDeltas(ds []string) string {
	var out string
	for _, d := range ds {
		out += d
	}
	return out
}

func TestDeleteRefusedWhileTurnRuns(t *testing.T) {
	h := newHarness(t, holderGate(1))
	reply := newChunkReader(nil, "0:\"busy\"\n")
	reply.hold = make(chan struct{})
	h.backend.readers = []*chunkReader{reply}
	id := h.conversation(t, "auditor")

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: id, Address: owner, Content: "hi"}, nil)
		done <- err
	}()
	<-reply.drained

	require.ErrorIs(t, h.orch.DeleteConversation(context.Background(), owner, id), ErrTurnInProgress)
	close(reply.hold)
	require.NoError(t, <-done)
	assert.Len(t, h.messages(t, id), 2)

	require.NoError(t, h.orch.DeleteConversation(context.Background(), owner, id))
	assert.False(t, h.orch.locks.Held(id))
	_, err := h.svc.GetConversation(context.Background(), owner, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteHoldsTurnLock(t *testing.T) {
	h := newHarness(t, holderGate(1))
	id := h.conversation(t, "auditor")

	require.True(t, h.orch.locks.TryAcquire(id))
	assert.ErrorIs(t, h.orch.DeleteConversation(context.Background(), owner, id), ErrTurnInProgress)
	h.orch.locks.Release(id)

	assert.True(t, IsNotFound(h.orch.DeleteConversation(context.Background(), "0x2222222222222222222222222222222222222222", id)))
	assert.False(t, h.orch.locks.Held(id))
}

// placeholderFailStore refuses to store empty assistant messages.
type placeholderFailStore struct {
	store.Store
}

func (s placeholderFailStore) AppendMessage(ctx context.Context, arg store.AppendMessageParams) (*models.Message, error) {
	if arg.Role == models.RoleAssistant && arg.Content == "" {
		return nil, errors.New("disk full")
	}
	return s.Store.AppendMessage(ctx, arg)
}

func TestPlaceholderFailureStillRecordsReply(t *testing.T) {
	svc := services.NewConversationService(placeholderFailStore{memory.NewMemoryStore()}, models.DefaultCatalog(), logging.Nop())
	backend := &fakeBackend{}
	orch := New(svc, holderGate(1), backend, Config{GateTimeout: time.Second}, logging.Nop())
	conv, err := svc.CreateConversation(context.Background(), owner, "auditor")
	require.NoError(t, err)

	res, err := orch.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, Address: owner, Content: "hi"}, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Assistant)
	assert.True(t, res.Assistant.IsError)
	assert.Empty(t, backend.reqs, "no stream is opened without a placeholder")

	got, err := svc.GetConversation(context.Background(), owner, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, models.RoleUser, got.Messages[0].Role)
	assert.True(t, got.Messages[1].IsError)
	assert.False(t, orch.locks.Held(conv.ID))
	assert.Equal(t, StateIdle, orch.State(conv.ID))
}
