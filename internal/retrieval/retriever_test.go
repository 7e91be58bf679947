package retrieval

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/flynn-core/internal/logging"
	"github.com/flynn-ai/flynn-core/internal/model"
	"github.com/flynn-ai/flynn-core/internal/tools"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// switchEmbedder wraps KeywordEmbedder with a switchable failure and a call
// counter.
type switchEmbedder struct {
	inner KeywordEmbedder
	calls atomic.Int64
	mu    sync.Mutex
	err   error
	block bool
}

func (e *switchEmbedder) fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *switchEmbedder) hang() {
	e.mu.Lock()
	e.block = true
	e.mu.Unlock()
}

func (e *switchEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	e.mu.Lock()
	err, block := e.err, e.block
	e.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, &model.EmbeddingError{Op: "embed", Kind: model.ErrEmbeddingTimeout, Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	return e.inner.Embed(ctx, text)
}

var catalog = []tools.Descriptor{
	{Name: "web_search", ServerName: "web", Description: "Search the web for pages and news"},
	{Name: "file_read", ServerName: "files", Description: "Read the contents of a local file"},
	{Name: "file_delete", ServerName: "files", Description: "Delete a local file permanently", AdminOnly: true},
	{Name: "calendar_create", ServerName: "calendar", Description: "Create a calendar event or meeting"},
	{Name: "send_email", ServerName: "mail", Description: "Send an email message to a recipient"},
}

var (
	everyone = tools.NewSet("web_search", "file_read", "file_delete", "calendar_create", "send_email")
	members  = tools.NewSet("web_search", "file_read", "calendar_create", "send_email")
)

func newRetriever(t *testing.T) (*Retriever, *switchEmbedder, *clock) {
	t.Helper()
	emb := &switchEmbedder{inner: KeywordEmbedder{Dims: 4096}}
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	cfg := DefaultConfig()
	cfg.EmbedTimeout = 20 * time.Millisecond
	r := New(emb, cfg, WithLogger(logging.Discard()), WithClock(clk.Now))

	stats, err := r.Index(context.Background(), catalog)
	require.NoError(t, err)
	require.Equal(t, len(catalog), stats.Added)
	return r, emb, clk
}

func TestIndexIsDiffBased(t *testing.T) {
	r, emb, _ := newRetriever(t)
	before := emb.calls.Load()

	stats, err := r.Index(context.Background(), catalog)
	require.NoError(t, err)
	assert.Equal(t, IndexStats{Unchanged: 5}, stats)
	assert.Equal(t, before, emb.calls.Load(), "nothing re-embedded")

	changed := append([]tools.Descriptor(nil), catalog[:4]...)
	changed[0].Description = "Search the internet"
	changed = append(changed, tools.Descriptor{Name: "weather", Description: "Current weather forecast"})

	stats, err = r.Index(context.Background(), changed)
	require.NoError(t, err)
	assert.Equal(t, IndexStats{Added: 1, Updated: 1, Removed: 1, Unchanged: 3}, stats)
	assert.Equal(t, before+2, emb.calls.Load())
	assert.Equal(t, 5, r.Len())
}

func TestIndexKeepsMetadataChanges(t *testing.T) {
	r, _, _ := newRetriever(t)

	flipped := append([]tools.Descriptor(nil), catalog...)
	flipped[0].AdminOnly = true
	_, err := r.Index(context.Background(), flipped)
	require.NoError(t, err)

	res, err := r.Retrieve(context.Background(), Request{Query: "search the web for golang news", Allowed: everyone})
	require.NoError(t, err)
	require.NotEmpty(t, res.Tools)
	assert.True(t, res.Tools[0].Tool.AdminOnly)
}

func TestIndexFailureKeepsToolsForFallback(t *testing.T) {
	r, emb, _ := newRetriever(t)
	emb.fail(&model.EmbeddingError{Op: "embed", Kind: model.ErrEmbeddingUnavailable})

	more := append(append([]tools.Descriptor(nil), catalog...), tools.Descriptor{Name: "weather", Description: "Weather forecast"})
	stats, err := r.Index(context.Background(), more)
	require.Error(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 6, r.Len())

	emb.fail(nil)
	stats, err = r.Index(context.Background(), more)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated, "unembedded tool retried")
}

func TestRetrieveNeverStripsUnembeddedTools(t *testing.T) {
	emb := &switchEmbedder{inner: KeywordEmbedder{Dims: 4096}}
	r := New(emb, DefaultConfig(), WithLogger(logging.Discard()))
	emb.fail(&model.EmbeddingError{Op: "embed", Kind: model.ErrEmbeddingUnavailable})

	_, err := r.Index(context.Background(), catalog)
	require.Error(t, err)
	emb.fail(nil)

	res, err := r.Retrieve(context.Background(), Request{Query: "search the web for golang news", Allowed: everyone, StripTools: true})
	require.NoError(t, err)
	assert.False(t, res.Stripped)
	assert.True(t, res.FallbackToAll)
	assert.True(t, res.Degraded)
	assert.ElementsMatch(t, everyone.Names(), res.Names())

	// Once indexed the same query is filtered normally.
	_, err = r.Index(context.Background(), catalog)
	require.NoError(t, err)
	res, err = r.Retrieve(context.Background(), Request{Query: "search the web for golang news", Allowed: everyone, StripTools: true})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, "web_search", res.Tools[0].Tool.Name)
}

func TestRetrieveKeepsPartlyIndexedSetWhenStripping(t *testing.T) {
	r, emb, _ := newRetriever(t)
	emb.fail(&model.EmbeddingError{Op: "embed", Kind: model.ErrEmbeddingUnavailable})
	more := append(append([]tools.Descriptor(nil), catalog...), tools.Descriptor{Name: "weather", Description: "Weather forecast"})
	_, err := r.Index(context.Background(), more)
	require.Error(t, err)
	emb.fail(nil)

	all := tools.NewSet(append(everyone.Names(), "weather")...)
	res, err := r.Retrieve(context.Background(), Request{Query: "what is 2+2", Allowed: all, StripTools: true})
	require.NoError(t, err)
	assert.False(t, res.Stripped)
	assert.True(t, res.FallbackToAll)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Names(), "weather")
	assert.Len(t, res.Tools, 6)
}

func TestRetrieveTopMatch(t *testing.T) {
	r, _, _ := newRetriever(t)

	res, err := r.Retrieve(context.Background(), Request{Query: "search the web for golang news", Allowed: everyone})
	require.NoError(t, err)

	require.NotEmpty(t, res.Tools)
	assert.Equal(t, "web_search", res.Tools[0].Tool.Name)
	assert.GreaterOrEqual(t, res.Tools[0].Score, 0.35)
	assert.False(t, res.FallbackToAll)
	assert.False(t, res.Degraded)
	for _, s := range res.Tools {
		assert.GreaterOrEqual(t, s.Score, 0.35)
	}
}

func TestRetrieveRespectsK(t *testing.T) {
	r, _, _ := newRetriever(t)

	res, err := r.Retrieve(context.Background(), Request{Query: "delete a local file permanently", K: 1, Allowed: everyone})
	require.NoError(t, err)
	assert.Equal(t, []string{"file_delete"}, res.Names())
}

func TestRetrieveNeverReturnsDeniedTools(t *testing.T) {
	r, _, _ := newRetriever(t)

	admin, err := r.Retrieve(context.Background(), Request{Query: "delete a local file permanently", Allowed: everyone})
	require.NoError(t, err)
	require.NotEmpty(t, admin.Tools)
	assert.Equal(t, "file_delete", admin.Tools[0].Tool.Name, "top match for admins")

	for _, strip := range []bool{false, true} {
		member, err := r.Retrieve(context.Background(), Request{Query: "delete a local file permanently", Allowed: members, StripTools: strip})
		require.NoError(t, err)
		assert.NotContains(t, member.Names(), "file_delete")
		for _, s := range member.Tools {
			assert.False(t, s.Tool.AdminOnly)
		}
	}

	fallback, err := r.Retrieve(context.Background(), Request{Query: "quantum chromodynamics lattice", Allowed: members})
	require.NoError(t, err)
	assert.True(t, fallback.FallbackToAll)
	assert.NotContains(t, fallback.Names(), "file_delete")
}

func TestRetrieveFallbackToAll(t *testing.T) {
	r, _, _ := newRetriever(t)

	res, err := r.Retrieve(context.Background(), Request{Query: "quantum chromodynamics lattice", Allowed: members})
	require.NoError(t, err)

	assert.True(t, res.FallbackToAll)
	assert.False(t, res.Stripped)
	assert.ElementsMatch(t, members.Names(), res.Names())
}

func TestRetrieveStripsTrivialQuery(t *testing.T) {
	r, _, _ := newRetriever(t)

	res, err := r.Retrieve(context.Background(), Request{Query: "what is 2+2", Allowed: everyone, StripTools: true})
	require.NoError(t, err)

	require.NotNil(t, res.Tools)
	assert.Empty(t, res.Tools)
	assert.False(t, res.FallbackToAll)
	assert.True(t, res.Stripped)

	// Without stripping the same query falls back to everything.
	res, err = r.Retrieve(context.Background(), Request{Query: "what is 2+2", Allowed: everyone})
	require.NoError(t, err)
	assert.True(t, res.FallbackToAll)
	assert.Len(t, res.Tools, 5)

	// A relevant query is not stripped.
	res, err = r.Retrieve(context.Background(), Request{Query: "send an email to my manager", Allowed: everyone, StripTools: true})
	require.NoError(t, err)
	assert.False(t, res.Stripped)
	assert.Contains(t, res.Names(), "send_email")
}

func TestRetrieveFailsOpen(t *testing.T) {
	r, emb, clk := newRetriever(t)
	emb.fail(&model.EmbeddingError{Op: "embed", Kind: model.ErrEmbeddingUnavailable})

	for i, q := range []string{"one query", "two query", "three query"} {
		res, err := r.Retrieve(context.Background(), Request{Query: q, Allowed: members, StripTools: true})
		require.NoError(t, err)
		assert.True(t, res.Degraded, "attempt %d", i)
		assert.False(t, res.Stripped)
		assert.ElementsMatch(t, members.Names(), res.Names(), "unfiltered, never empty")
	}
	assert.True(t, r.Degraded(), "embedder cooling down")

	calls := emb.calls.Load()
	res, err := r.Retrieve(context.Background(), Request{Query: "four query", Allowed: members})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, calls, emb.calls.Load(), "embedder skipped during cool-down")

	emb.fail(nil)
	clk.Advance(31 * time.Second)
	res, err = r.Retrieve(context.Background(), Request{Query: "search the web for golang news", Allowed: members})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.False(t, r.Degraded())
}

func TestRetrieveTimeoutTripsCoolDown(t *testing.T) {
	r, emb, _ := newRetriever(t)
	emb.hang()

	res, err := r.Retrieve(context.Background(), Request{Query: "search the web", Allowed: members})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.True(t, r.Degraded(), "a single timeout cools the embedder down")
}

func TestRetrieveCallerCancelled(t *testing.T) {
	r, emb, _ := newRetriever(t)
	emb.hang()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := r.Retrieve(ctx, Request{Query: "search the web", Allowed: members})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, r.Degraded(), "cancellation is not an embedder failure")
}

func TestRetrieveCachesQueryVectors(t *testing.T) {
	r, emb, _ := newRetriever(t)
	before := emb.calls.Load()

	for i := 0; i < 3; i++ {
		_, err := r.Retrieve(context.Background(), Request{Query: "Search the web", Allowed: members})
		require.NoError(t, err)
	}
	_, err := r.Retrieve(context.Background(), Request{Query: "  search the WEB ", Allowed: members})
	require.NoError(t, err)

	assert.Equal(t, before+1, emb.calls.Load())
}

func TestRetrieveNothingAllowed(t *testing.T) {
	r, emb, _ := newRetriever(t)
	before := emb.calls.Load()

	res, err := r.Retrieve(context.Background(), Request{Query: "search the web", Allowed: tools.NewSet("unknown")})
	require.NoError(t, err)
	assert.NotNil(t, res.Tools)
	assert.Empty(t, res.Tools)
	assert.Equal(t, before, emb.calls.Load())
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"search", "web", "golang", "news"}, extractKeywords("Search the web for Golang news, search!"))
	assert.Empty(t, extractKeywords("what is 2+2"))

	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, cosine([]float32{1}, []float32{1, 0}))
}
