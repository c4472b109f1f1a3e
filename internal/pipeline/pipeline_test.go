package pipeline

import (
	"context"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxhome/command-resolver/internal/cache"
	"github.com/voxhome/command-resolver/internal/core/domain"
	execpkg "github.com/voxhome/command-resolver/internal/exec"
	"github.com/voxhome/command-resolver/internal/index"
	"github.com/voxhome/command-resolver/internal/infrastructure/resilience"
	"github.com/voxhome/command-resolver/internal/resolve"
)

// hashEmbedder gives identical texts identical vectors and distinct texts
// near-orthogonal ones, which is all the cache needs in tests. Explicit
// entries in vectors override the hash for paraphrase scenarios.
type hashEmbedder struct {
	vectors map[string][]float32
}

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return h.vector(text), nil
}

func (h *hashEmbedder) vector(text string) []float32 {
	if v, ok := h.vectors[text]; ok {
		return v
	}
	f := fnv.New32a()
	f.Write([]byte(text))
	sum := f.Sum32()
	vec := make([]float32, 16)
	vec[sum%16] = 1
	vec[(sum/16)%16] += 0.3
	return vec
}

type fixedReranker struct{ score float64 }

func (r fixedReranker) Rerank(_ context.Context, _ string, candidates []string) ([]float64, error) {
	out := make([]float64, len(candidates))
	for i := range out {
		out[i] = r.score
	}
	return out, nil
}

type scriptedParser struct {
	mu      sync.Mutex
	parses  map[string]domain.ParsedIntent
	calls   int
	failErr error
}

func (p *scriptedParser) Parse(_ context.Context, utterance string, _, _ []string) (domain.ParsedIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failErr != nil {
		return domain.ParsedIntent{}, p.failErr
	}
	if parsed, ok := p.parses[utterance]; ok {
		return parsed, nil
	}
	return domain.ParsedIntent{Chat: true}, nil
}

type neverRecognizer struct{}

func (neverRecognizer) Recognize(context.Context, string) (domain.ParsedIntent, bool, error) {
	return domain.ParsedIntent{}, false, nil
}

type scriptedChat struct {
	mu    sync.Mutex
	reply string
	calls int
}

func (c *scriptedChat) Chat(_ context.Context, _ string, _ []domain.ChatMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.reply, nil
}

type memAliases struct {
	mu       sync.Mutex
	areas    map[string]string
	entities map[string]string
}

func newMemAliases() *memAliases {
	return &memAliases{areas: map[string]string{}, entities: map[string]string{}}
}

func (m *memAliases) AreaAlias(_ context.Context, alias string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.areas[alias]
	return v, ok, nil
}

func (m *memAliases) EntityAlias(_ context.Context, alias string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entities[alias]
	return v, ok, nil
}

func (m *memAliases) LearnAreaAlias(_ context.Context, alias, area string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.areas[alias] = area
	return nil
}

func (m *memAliases) LearnEntityAlias(_ context.Context, alias, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[alias] = entityID
	return nil
}

// fakeHome is registry + controller in one: executing a command flips the
// recorded state, so verification polls succeed unless stuck is set.
type fakeHome struct {
	mu       sync.Mutex
	entities map[string]*domain.Entity
	areas    []domain.Area
	floors   []domain.Floor
	stuck    map[string]bool
	executed []string
}

func newFakeHome() *fakeHome {
	home := &fakeHome{
		entities: map[string]*domain.Entity{},
		areas: []domain.Area{
			{ID: "kitchen", Name: "Kitchen", FloorID: "ground"},
			{ID: "bedroom", Name: "Bedroom", FloorID: "upstairs"},
		},
		floors: []domain.Floor{
			{ID: "ground", Name: "Ground Floor"},
			{ID: "upstairs", Name: "Upstairs"},
		},
		stuck: map[string]bool{},
	}
	for _, e := range []domain.Entity{
		{ID: "light.kitchen_main", Domain: "light", Name: "Kitchen Main Light", AreaID: "kitchen", State: "off"},
		{ID: "light.kitchen_counter", Domain: "light", Name: "Counter Light", AreaID: "kitchen", State: "off"},
		{ID: "light.bedroom_lamp", Domain: "light", Name: "Bedroom Lamp", AreaID: "bedroom", State: "off"},
		{ID: "media_player.tv", Domain: "media_player", Name: "Living Room TV", AreaID: "kitchen", State: "on"},
	} {
		ent := e
		home.entities[e.ID] = &ent
	}
	return home
}

func (f *fakeHome) ListExposed(context.Context) ([]domain.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Entity, 0, len(f.entities))
	for _, e := range f.entities {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeHome) GetState(_ context.Context, id string) (domain.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return domain.Entity{}, domain.ErrNotFound
	}
	return *e, nil
}

func (f *fakeHome) Areas(context.Context) ([]domain.Area, error)   { return f.areas, nil }
func (f *fakeHome) Floors(context.Context) ([]domain.Floor, error) { return f.floors, nil }

func (f *fakeHome) Execute(_ context.Context, intent, entityID string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, entityID)
	if f.stuck[entityID] {
		return nil
	}
	if e, ok := f.entities[entityID]; ok {
		switch intent {
		case domain.IntentTurnOn, domain.IntentLightSet:
			e.State = "on"
		case domain.IntentTurnOff:
			e.State = "off"
		}
	}
	return nil
}

type harness struct {
	processor *Processor
	engine    *cache.Engine
	home      *fakeHome
	parser    *scriptedParser
	chat      *scriptedChat
	aliases   *memAliases
}

func newHarness(t *testing.T, emb *hashEmbedder, parser *scriptedParser, chat *scriptedChat) *harness {
	t.Helper()
	home := newFakeHome()
	aliases := newMemAliases()

	ix := index.New(index.Config{Alpha: 0.7, NgramSize: 2})
	engine := cache.NewEngine(ix, emb, fixedReranker{score: 0.9},
		cache.NewFileSnapshotStore(filepath.Join(t.TempDir(), "cache.json")),
		cache.Config{EmbeddingModel: "test-embed"}, nil)

	resolver := resolve.NewResolver(home, aliases, nil, nil)
	verifier := execpkg.NewVerifier(home, home, nil,
		execpkg.WithPollInterval(time.Millisecond),
		execpkg.WithVerifyWindow(30*time.Millisecond))

	rexec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})

	stages := []Stage{
		NewNativeStage(neverRecognizer{}, resolver, nil),
		NewCacheStage(engine, nil),
		NewLLMStage(parser, resolver, home, rexec, time.Second, nil),
		NewChatStage(chat, resolver, nil),
	}
	orch := NewOrchestrator(stages, nil, nil)

	processor := NewProcessor(ProcessorConfig{
		Orchestrator: orch,
		Sessions:     NewSessionStore(0),
		Verifier:     verifier,
		Registry:     home,
		Aliases:      aliases,
		Engine:       engine,
		ChatModeTTL:  time.Minute,
	})
	return &harness{
		processor: processor,
		engine:    engine,
		home:      home,
		parser:    parser,
		chat:      chat,
		aliases:   aliases,
	}
}

func TestEscalateExecuteLearnThenCacheHit(t *testing.T) {
	utterance := "turn on the bedroom lamp please"
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{
		utterance: {Intent: domain.IntentTurnOn, Domain: "light", Name: "bedroom lamp"},
	}}
	h := newHarness(t, &hashEmbedder{}, parser, &scriptedChat{reply: "hi"})

	first, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: utterance,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.FromCache {
		t.Fatal("first resolution cannot come from cache")
	}
	if first.Intent != domain.IntentTurnOn {
		t.Fatalf("wrong intent: %s", first.Intent)
	}
	if h.engine.Stats().Learned != 1 {
		t.Fatalf("verified command must be learned, stats: %+v", h.engine.Stats())
	}

	second, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: utterance,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !second.FromCache {
		t.Fatal("second identical utterance must resolve from cache")
	}
	if parser.calls != 1 {
		t.Fatalf("cache hit must not call the model again, got %d calls", parser.calls)
	}
}

func TestStateQueryReadsInsteadOfExecuting(t *testing.T) {
	utterance := "what is the temperature in the bedroom"
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{
		utterance: {Intent: domain.IntentGetState, Domain: "sensor", Name: "bedroom temperature"},
	}}
	h := newHarness(t, &hashEmbedder{}, parser, &scriptedChat{reply: "hi"})
	h.home.entities["sensor.bedroom_temp"] = &domain.Entity{
		ID: "sensor.bedroom_temp", Domain: "sensor", Name: "Bedroom Temperature",
		AreaID: "bedroom", State: "21",
		Attributes: map[string]any{"unit_of_measurement": "°C"},
	}

	out, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: utterance,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Response != "Bedroom Temperature is 21 °C." {
		t.Fatalf("unexpected reply: %q", out.Response)
	}
	if len(h.home.executed) != 0 {
		t.Fatalf("state query must not call services, executed %v", h.home.executed)
	}
	// Read-only turns still count as verified and feed the cache.
	if h.engine.Stats().Learned != 1 {
		t.Fatalf("expected the query to be learned, stats %+v", h.engine.Stats())
	}
}

func TestVerificationFailureBlocksLearning(t *testing.T) {
	utterance := "turn on the bedroom lamp please"
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{
		utterance: {Intent: domain.IntentTurnOn, Domain: "light", Name: "bedroom lamp"},
	}}
	h := newHarness(t, &hashEmbedder{}, parser, &scriptedChat{reply: "hi"})
	h.home.stuck["light.bedroom_lamp"] = true

	out, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: utterance,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out.Response, "not responding") {
		t.Fatalf("expected negative acknowledgement, got %q", out.Response)
	}
	if h.engine.Stats().Learned != 0 {
		t.Fatal("unverified command must never be learned")
	}
}

func TestStickyChatMode(t *testing.T) {
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{}}
	chat := &scriptedChat{reply: "The capital of France is Paris."}
	h := newHarness(t, &hashEmbedder{}, parser, chat)

	first, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: "what is the capital of france",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !first.ChatMode {
		t.Fatal("conversational reply must enter sticky chat mode")
	}
	if first.Response != chat.reply {
		t.Fatalf("unexpected reply %q", first.Response)
	}
	parserCallsAfterFirst := parser.calls

	second, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: "and of germany",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if second.Stage != "chat" {
		t.Fatalf("sticky chat must start at the chat stage, got %s", second.Stage)
	}
	if parser.calls != parserCallsAfterFirst {
		t.Fatal("sticky chat must not consult the local model")
	}
	if chat.calls != 2 {
		t.Fatalf("expected 2 chat calls, got %d", chat.calls)
	}
}

func TestChatModeClearsOnStructuredIntent(t *testing.T) {
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{}}
	chat := &scriptedChat{reply: "sure thing"}
	h := newHarness(t, &hashEmbedder{}, parser, chat)

	if _, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: "tell me a joke",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	chat.mu.Lock()
	chat.reply = "```json\n{\"intent\":\"TurnOn\",\"domain\":\"light\",\"name\":\"bedroom lamp\"}\n```"
	chat.mu.Unlock()

	out, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: "okay now turn on the bedroom lamp",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Intent != domain.IntentTurnOn {
		t.Fatalf("structured chat reply must execute, got %+v", out)
	}
	if out.ChatMode {
		t.Fatal("executing a command must clear sticky chat mode")
	}
}

func TestDisambiguationRoundTrip(t *testing.T) {
	utterance := "turn on the light in the kitchen area"
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{
		utterance: {Intent: domain.IntentTurnOn, Domain: "light", Area: "kitchen", Name: "light"},
	}}
	h := newHarness(t, &hashEmbedder{}, parser, &scriptedChat{reply: "hi"})

	first, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: utterance,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !first.Pending {
		t.Fatalf("ambiguous reference must ask a question, got %+v", first)
	}
	if !strings.Contains(first.Response, "Which one") {
		t.Fatalf("unexpected question %q", first.Response)
	}

	second, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: "the counter one",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if second.Pending {
		t.Fatal("answer must clear the pending question")
	}
	if len(second.EntityIDs) != 1 || second.EntityIDs[0] != "light.kitchen_counter" {
		t.Fatalf("wrong entity executed: %v", second.EntityIDs)
	}
	// Learning keys off the original utterance, not the one-word answer.
	if h.engine.Stats().Learned != 1 {
		t.Fatalf("disambiguated command must be learned, stats: %+v", h.engine.Stats())
	}
}

func TestDisambiguationCancel(t *testing.T) {
	utterance := "turn on the light in the kitchen area"
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{
		utterance: {Intent: domain.IntentTurnOn, Domain: "light", Area: "kitchen", Name: "light"},
	}}
	h := newHarness(t, &hashEmbedder{}, parser, &scriptedChat{reply: "hi"})

	if _, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: utterance,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	out, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: "no",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Pending || len(h.home.executed) != 0 {
		t.Fatalf("cancel must not execute anything, executed=%v", h.home.executed)
	}
}

func TestAliasConfirmationFlow(t *testing.T) {
	utterance := "turn on the lights in the kitchn"
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{
		utterance: {Intent: domain.IntentTurnOn, Domain: "light", Area: "kitchn"},
	}}
	h := newHarness(t, &hashEmbedder{}, parser, &scriptedChat{reply: "hi"})

	first, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: utterance,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !first.Pending || !strings.Contains(first.Response, "remember") {
		t.Fatalf("fuzzy area match must offer alias learning, got %+v", first)
	}
	// The command itself already executed.
	if len(h.home.executed) != 2 {
		t.Fatalf("expected both kitchen lights executed, got %v", h.home.executed)
	}

	second, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: "yes please",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(second.Response, "remember") {
		t.Fatalf("expected confirmation ack, got %q", second.Response)
	}
	if got := h.aliases.areas["kitchn"]; got != "kitchen" {
		t.Fatalf("alias must persist only after the yes, got %q", got)
	}
}

func TestAliasDeclinedIsNotPersisted(t *testing.T) {
	utterance := "turn on the lights in the kitchn"
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{
		utterance: {Intent: domain.IntentTurnOn, Domain: "light", Area: "kitchn"},
	}}
	h := newHarness(t, &hashEmbedder{}, parser, &scriptedChat{reply: "hi"})

	if _, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: utterance,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: "no",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(h.aliases.areas) != 0 {
		t.Fatalf("declined alias must not persist, got %v", h.aliases.areas)
	}
}

func TestTemporalParamsRefreshOnCacheHit(t *testing.T) {
	first := "turn off the tv in 10 minutes"
	second := "turn off the tv in 2 hours"
	sharedVec := []float32{1, 0, 0, 0}
	emb := &hashEmbedder{vectors: map[string][]float32{
		first:  sharedVec,
		second: sharedVec,
	}}
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{
		first: {
			Intent: domain.IntentDelayedControl, Domain: "media_player", Name: "living room tv",
			Params: map[string]any{"duration_seconds": float64(600)},
		},
	}}
	h := newHarness(t, emb, parser, &scriptedChat{reply: "hi"})

	if _, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: first,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h.engine.Stats().Learned != 1 {
		t.Fatalf("delayed command must be learnable, stats: %+v", h.engine.Stats())
	}

	out, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: second,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !out.FromCache {
		t.Fatal("paraphrase with shared embedding must hit the cache")
	}
	if got, _ := out.Params["duration_seconds"].(float64); got != 7200 {
		t.Fatalf("cached delay must be re-read from the new utterance, got %v", out.Params["duration_seconds"])
	}
}

func TestEmptyUtteranceRejected(t *testing.T) {
	h := newHarness(t, &hashEmbedder{}, &scriptedParser{}, &scriptedChat{reply: "hi"})
	_, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{SessionID: "s1", Text: "   "})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestOrchestratorExhaustion(t *testing.T) {
	// A chat-less ladder where everything escalates.
	resolver := resolve.NewResolver(newFakeHome(), newMemAliases(), nil, nil)
	stages := []Stage{NewNativeStage(neverRecognizer{}, resolver, nil)}
	orch := NewOrchestrator(stages, nil, nil)

	result, stage := orch.Run(context.Background(), &Turn{Text: "gibberish", Session: &Session{}}, false)
	if result.Status != domain.StatusError {
		t.Fatalf("exhaustion must yield an error result, got %s", result.Status)
	}
	if result.Response != unresolvedReply {
		t.Fatalf("unexpected reply %q", result.Response)
	}
	if stage != "exhausted" {
		t.Fatalf("unexpected stage %q", stage)
	}
}

func TestConcurrentTurnsOnOneSessionStayConsistent(t *testing.T) {
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{}}
	chat := &scriptedChat{reply: "sure thing"}
	h := newHarness(t, &hashEmbedder{}, parser, chat)

	const turns = 8
	var wg sync.WaitGroup
	for range turns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
				SessionID: "shared", Text: "tell me something interesting",
			})
			if err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	session := h.processor.sessions.Get("shared")
	session.Lock()
	defer session.Unlock()
	if len(session.History) != 2*turns {
		t.Fatalf("expected %d history entries after %d serialized turns, got %d",
			2*turns, turns, len(session.History))
	}
}

type deadQueue struct {
	published int
}

func (q *deadQueue) PublishVerifiedCommand(context.Context, domain.VerifiedCommand) error {
	q.published++
	return domain.ErrServiceUnavailable
}

func (q *deadQueue) SubscribeVerifiedCommand(context.Context, func(context.Context, domain.VerifiedCommand) error) error {
	return domain.ErrServiceUnavailable
}

func TestLearnFallsBackInlineWhenQueueIsDown(t *testing.T) {
	utterance := "turn on the bedroom lamp please"
	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{
		utterance: {Intent: domain.IntentTurnOn, Domain: "light", Name: "bedroom lamp"},
	}}
	h := newHarness(t, &hashEmbedder{}, parser, &scriptedChat{reply: "hi"})
	queue := &deadQueue{}
	h.processor.queue = queue

	if _, err := h.processor.Resolve(context.Background(), domain.ResolveRequest{
		SessionID: "s1", Text: utterance,
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if queue.published != 1 {
		t.Fatalf("expected one publish attempt, got %d", queue.published)
	}
	if h.engine.Stats().Learned != 1 {
		t.Fatalf("failed publish must learn inline instead, stats: %+v", h.engine.Stats())
	}
}

func TestCacheOnlyModeBypassesLLMStage(t *testing.T) {
	home := newFakeHome()
	resolver := resolve.NewResolver(home, newMemAliases(), nil, nil)

	ix := index.New(index.Config{Alpha: 0.7, NgramSize: 2})
	engine := cache.NewEngine(ix, &hashEmbedder{}, fixedReranker{score: 0.9},
		cache.NewFileSnapshotStore(filepath.Join(t.TempDir(), "cache.json")),
		cache.Config{EmbeddingModel: "test-embed", CacheOnly: true}, nil)

	parser := &scriptedParser{parses: map[string]domain.ParsedIntent{}}
	chat := &scriptedChat{reply: "I can only do cached commands right now."}
	stages := []Stage{
		NewNativeStage(neverRecognizer{}, resolver, nil),
		NewCacheStage(engine, nil),
		NewLLMStage(parser, resolver, home, resilience.NewExecutor(resilience.Config{
			RetryMaxAttempts: 1, BreakerEnabled: false,
		}), time.Second, nil),
		NewChatStage(chat, resolver, nil),
	}
	orch := NewOrchestrator(stages, nil, nil)

	result, stage := orch.Run(context.Background(),
		&Turn{Text: "turn on the disco ball", Session: &Session{}, Context: map[string]any{}}, false)
	if parser.calls != 0 {
		t.Fatalf("cache-only miss must skip the local model, parser called %d times", parser.calls)
	}
	if chat.calls != 1 {
		t.Fatalf("expected the chat fallback to answer, calls=%d", chat.calls)
	}
	if stage != "chat" {
		t.Fatalf("expected chat stage, got %q (status %s)", stage, result.Status)
	}
}

func TestSessionSweep(t *testing.T) {
	st := NewSessionStore(time.Minute)
	st.Get("a")
	st.Get("b")
	if st.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", st.Len())
	}

	st.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if removed := st.Sweep(); removed != 2 {
		t.Fatalf("expected both sessions swept, got %d", removed)
	}
}

func TestDurationExtraction(t *testing.T) {
	cases := []struct {
		text string
		want float64
		ok   bool
	}{
		{"turn off the tv in 10 minutes", 600, true},
		{"in 2 hours", 7200, true},
		{"wait 45 seconds", 45, true},
		{"in half an hour", 0.5 * 3600, true},
		{"in a minute", 60, true},
		{"turn off the tv", 0, false},
	}
	for _, tc := range cases {
		got, ok := extractDurationSeconds(tc.text)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("%q: got %v/%v, want %v/%v", tc.text, got, ok, tc.want, tc.ok)
		}
	}
}
