package enrich

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopdesk/poit-crawler/internal/metrics"
	"github.com/loopdesk/poit-crawler/internal/poit"
	"github.com/loopdesk/poit-crawler/internal/progress"
	"github.com/loopdesk/poit-crawler/internal/proxy"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

const sampleText = "Bolagsverket har beslutat att Acme Industrier AB, Org.nr 556677-8899, försätts i likvidation."

type fetchResult struct {
	detail Detail
	err    error
}

// scriptedFetcher plays back per-announcement fetch outcomes; an exhausted
// queue keeps returning its last entry.
type scriptedFetcher struct {
	mu       sync.Mutex
	queues   map[string][]fetchResult
	extended map[string]fetchResult

	calls         map[string]int
	extendedCalls map[string]int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		queues:        make(map[string][]fetchResult),
		extended:      make(map[string]fetchResult),
		calls:         make(map[string]int),
		extendedCalls: make(map[string]int),
	}
}

func (f *scriptedFetcher) script(id string, results ...fetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[id] = append(f.queues[id], results...)
}

func (f *scriptedFetcher) FetchDetail(_ context.Context, row poit.ResultRow) (Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[row.ID]++
	queue := f.queues[row.ID]
	if len(queue) == 0 {
		return Detail{}, ErrEmptyDetail
	}
	r := queue[0]
	if len(queue) > 1 {
		f.queues[row.ID] = queue[1:]
	}
	return r.detail, r.err
}

func (f *scriptedFetcher) FetchDetailExtended(_ context.Context, row poit.ResultRow) (Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extendedCalls[row.ID]++
	r, ok := f.extended[row.ID]
	if !ok {
		return Detail{}, ErrEmptyDetail
	}
	return r.detail, r.err
}

func (f *scriptedFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeProxyControl struct {
	mu          sync.Mutex
	active      bool
	shouldBe    bool
	reason      string
	records     int
	activations int
	rotations   int
	activateErr error
}

func (c *fakeProxyControl) RecordRateLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records++
}

func (c *fakeProxyControl) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeProxyControl) ShouldActivate() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldBe, c.reason
}

func (c *fakeProxyControl) Activate(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activations++
	if c.activateErr != nil {
		return c.activateErr
	}
	c.active = true
	return nil
}

func (c *fakeProxyControl) Next() (proxy.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotations++
	return proxy.Record{Host: "10.0.0.2", Port: 8080}, true
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *captureEmitter) Emit(_ context.Context, ev progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *captureEmitter) byType(t progress.Type) []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []progress.Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func fastConfig() Config {
	return Config{
		Workers:         2,
		RetriesPerItem:  3,
		RequestSpacing:  time.Microsecond,
		EmptyRetryDelay: time.Millisecond,
		BackoffBase:     time.Millisecond,
	}
}

func announcements(ids ...string) []poit.Announcement {
	out := make([]poit.Announcement, len(ids))
	for i, id := range ids {
		out[i] = poit.Announcement{ID: id, URL: "https://poit.bolagsverket.se/poit-app/kungorelse/" + id}
	}
	return out
}

// TestRunEnrichesAllAnnouncements verifies text, preview and org number
// land on every record.
func TestRunEnrichesAllAnnouncements(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	anns := announcements("K1-25", "K2-25", "K3-25")
	for _, a := range anns {
		fetcher.script(a.ID, fetchResult{detail: Detail{Text: sampleText, Source: "api"}})
	}

	pool := New(fetcher, fastConfig())
	enriched, err := pool.Run(context.Background(), anns)
	require.NoError(t, err)
	require.Equal(t, 3, enriched)

	for _, a := range anns {
		require.Equal(t, sampleText, a.FullText)
		require.NotEmpty(t, a.DetailText)
		require.Equal(t, "556677-8899", a.OrgNumber)
	}
}

// TestDetailEventCarriesPosition verifies each detail event places its
// item in the run: current position, the run total and the announcement
// id, so stream consumers can render progress.
func TestDetailEventCarriesPosition(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	anns := announcements("K1-25", "K2-25", "K3-25")
	for _, a := range anns {
		fetcher.script(a.ID, fetchResult{detail: Detail{Text: sampleText, Source: "api"}})
	}

	emitter := &captureEmitter{}
	cfg := fastConfig()
	cfg.Emitter = emitter

	pool := New(fetcher, cfg)
	_, err := pool.Run(context.Background(), anns)
	require.NoError(t, err)

	details := emitter.byType(progress.TypeDetail)
	require.Len(t, details, 3)
	positions := make(map[int]string)
	for _, ev := range details {
		data, ok := ev.Data.(map[string]any)
		require.True(t, ok, "detail event must carry structured data")
		require.Equal(t, 3, data["total"])
		current, ok := data["current"].(int)
		require.True(t, ok)
		positions[current] = data["id"].(string)
	}
	require.Equal(t, map[int]string{1: "K1-25", 2: "K2-25", 3: "K3-25"}, positions)
}

// TestRunScaledPoolFetchesEachItemOnce verifies the full worker shape: a
// five-worker pool over fifty announcements fetches every item exactly
// once and admits at most one request per worker per spacing interval.
func TestRunScaledPoolFetchesEachItemOnce(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("K%d-25", i+1)
	}
	anns := announcements(ids...)
	for _, a := range anns {
		fetcher.script(a.ID, fetchResult{detail: Detail{Text: sampleText, Source: "api"}})
	}

	spacing := 5 * time.Millisecond
	cfg := fastConfig()
	cfg.Workers = 5
	cfg.RequestSpacing = spacing

	start := time.Now()
	pool := New(fetcher, cfg)
	enriched, err := pool.Run(context.Background(), anns)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, 50, enriched)
	for _, id := range ids {
		require.Equal(t, 1, fetcher.callCount(id), id)
	}
	// 50 items over 5 workers is at least 10 for some worker; its limiter
	// admits one fetch per interval after the first.
	require.GreaterOrEqual(t, elapsed, 9*spacing)
}

// TestRunHonorsDetailLimit verifies announcements past the cap are never
// fetched.
func TestRunHonorsDetailLimit(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	anns := announcements("K1-25", "K2-25", "K3-25", "K4-25")
	for _, a := range anns {
		fetcher.script(a.ID, fetchResult{detail: Detail{Text: sampleText, Source: "api"}})
	}

	cfg := fastConfig()
	cfg.DetailLimit = 2
	pool := New(fetcher, cfg)
	enriched, err := pool.Run(context.Background(), anns)
	require.NoError(t, err)
	require.Equal(t, 2, enriched)
	require.Zero(t, fetcher.callCount("K3-25"))
	require.Zero(t, fetcher.callCount("K4-25"))
}

// TestRunRetriesAfterEmptyFetch verifies an empty response is retried and
// the eventual text is written once.
func TestRunRetriesAfterEmptyFetch(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.script("K1-25",
		fetchResult{err: ErrEmptyDetail},
		fetchResult{detail: Detail{Text: sampleText, Source: "dom"}},
	)
	anns := announcements("K1-25")

	pool := New(fetcher, fastConfig())
	enriched, err := pool.Run(context.Background(), anns)
	require.NoError(t, err)
	require.Equal(t, 1, enriched)
	require.Equal(t, 2, fetcher.callCount("K1-25"))
	require.Equal(t, sampleText, anns[0].FullText)
}

// TestRunStopsFetchingAfterSuccess verifies exactly one fetch happens when
// the first attempt succeeds.
func TestRunStopsFetchingAfterSuccess(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.script("K1-25", fetchResult{detail: Detail{Text: sampleText, Source: "api"}})
	anns := announcements("K1-25")

	pool := New(fetcher, fastConfig())
	_, err := pool.Run(context.Background(), anns)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.callCount("K1-25"))
}

// TestRateLimitActivatesProxyPool verifies a 429 records the hit and
// switches to the pool instead of backing off when the heuristic fires.
func TestRateLimitActivatesProxyPool(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.script("K1-25",
		fetchResult{err: ErrRateLimited},
		fetchResult{detail: Detail{Text: sampleText, Source: "api"}},
	)
	anns := announcements("K1-25")

	control := &fakeProxyControl{shouldBe: true, reason: "rate limited 3 times"}
	emitter := &captureEmitter{}

	cfg := fastConfig()
	// A successful activation must bypass the backoff sleep entirely.
	cfg.BackoffBase = time.Hour
	cfg.Proxies = control
	cfg.Emitter = emitter

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := New(fetcher, cfg)
	enriched, err := pool.Run(ctx, anns)
	require.NoError(t, err)
	require.Equal(t, 1, enriched)
	require.Equal(t, 1, control.records)
	require.Equal(t, 1, control.activations)
	require.NotEmpty(t, emitter.byType(progress.TypeStatus))
}

// TestRateLimitRotatesActivePool verifies an already-active pool rotates
// to its next proxy instead of re-activating.
func TestRateLimitRotatesActivePool(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.script("K1-25",
		fetchResult{err: ErrRateLimited},
		fetchResult{detail: Detail{Text: sampleText, Source: "api"}},
	)
	anns := announcements("K1-25")

	control := &fakeProxyControl{active: true}
	cfg := fastConfig()
	cfg.BackoffBase = time.Hour
	cfg.Proxies = control

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := New(fetcher, cfg)
	_, err := pool.Run(ctx, anns)
	require.NoError(t, err)
	require.Equal(t, 1, control.rotations)
	require.Zero(t, control.activations)
}

// TestExhaustedRetriesFallBackToExtendedAttempt verifies the stretched
// final attempt rescues an item the regular ladder gave up on.
func TestExhaustedRetriesFallBackToExtendedAttempt(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	fetcher.script("K1-25", fetchResult{err: ErrEmptyDetail})
	fetcher.extended["K1-25"] = fetchResult{detail: Detail{Text: sampleText, Source: "api"}}
	anns := announcements("K1-25")

	cfg := fastConfig()
	cfg.RetriesPerItem = 2
	pool := New(fetcher, cfg)
	enriched, err := pool.Run(context.Background(), anns)
	require.NoError(t, err)
	require.Equal(t, 1, enriched)
	require.Equal(t, 2, fetcher.callCount("K1-25"))
	require.Equal(t, 1, fetcher.extendedCalls["K1-25"])
}

// TestFailureLeavesRecordUntouched verifies a fully failed item keeps its
// collected state and surfaces an error event.
func TestFailureLeavesRecordUntouched(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	anns := announcements("K1-25")
	anns[0].Subject = "Acme Industrier AB"

	emitter := &captureEmitter{}
	cfg := fastConfig()
	cfg.Emitter = emitter

	pool := New(fetcher, cfg)
	enriched, err := pool.Run(context.Background(), anns)
	require.NoError(t, err)
	require.Zero(t, enriched)
	require.Empty(t, anns[0].FullText)
	require.Empty(t, anns[0].DetailText)
	require.Equal(t, "Acme Industrier AB", anns[0].Subject)

	errs := emitter.byType(progress.TypeError)
	require.Len(t, errs, 1)
	require.True(t, strings.Contains(errs[0].Message, "K1-25"))
}

// TestRunCanceledContext verifies cancellation aborts the run with the
// context error.
func TestRunCanceledContext(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher()
	anns := announcements("K1-25", "K2-25")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := New(fetcher, fastConfig())
	_, err := pool.Run(ctx, anns)
	require.Error(t, err)
}
