package browser

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopdesk/poit-crawler/internal/metrics"
	"github.com/loopdesk/poit-crawler/internal/poit"
	"github.com/loopdesk/poit-crawler/internal/session"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

// fakeDriver is a scripted page: Eval answers come from per-script queues,
// everything else is recorded. Sleeps return immediately.
type fakeDriver struct {
	mu        sync.Mutex
	evals     map[string][]any
	evalCount map[string]int
	fills     map[string]string
	clicks    []string
	reloads   int
	navs      []string
	locs      []string
	cookies   []byte
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		evals:     make(map[string][]any),
		evalCount: make(map[string]int),
		fills:     make(map[string]string),
	}
}

// queue appends scripted results for expr; the last value repeats once the
// queue is drained.
func (d *fakeDriver) queue(expr string, values ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evals[expr] = append(d.evals[expr], values...)
}

func (d *fakeDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navs = append(d.navs, url)
	return nil
}

func (d *fakeDriver) Reload(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reloads++
	return nil
}

func (d *fakeDriver) Location(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.locs) == 0 {
		return poit.StartURL, nil
	}
	loc := d.locs[0]
	if len(d.locs) > 1 {
		d.locs = d.locs[1:]
	}
	return loc, nil
}

func (d *fakeDriver) Eval(_ context.Context, expr string, out any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evalCount[expr]++
	queue := d.evals[expr]
	if len(queue) == 0 {
		return errors.New("unscripted eval")
	}
	value := queue[0]
	if len(queue) > 1 {
		d.evals[expr] = queue[1:]
	}
	switch dst := out.(type) {
	case *bool:
		*dst = value.(bool)
	case *string:
		*dst = value.(string)
	default:
		return errors.New("unsupported eval target")
	}
	return nil
}

func (d *fakeDriver) Fill(_ context.Context, sel, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fills[sel] = value
	return nil
}

func (d *fakeDriver) Click(_ context.Context, sel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clicks = append(d.clicks, sel)
	return nil
}

func (d *fakeDriver) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func (d *fakeDriver) Cookies(context.Context) ([]byte, error) {
	return []byte(`[{"name":"sid"}]`), nil
}

func (d *fakeDriver) SetCookies(_ context.Context, blob []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cookies = blob
	return nil
}

func (d *fakeDriver) Close() error { return nil }

type fakeStats struct {
	mu       sync.Mutex
	captchas int
	success  int
	blocked  int
}

func (s *fakeStats) RecordCaptcha() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captchas++
}

func (s *fakeStats) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.success++
}

func (s *fakeStats) RecordSessionBlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked++
}

type fakeSolver struct {
	answer string
	err    error
	calls  int
}

func (s *fakeSolver) Solve(context.Context, string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

// TestResolveBlockerSolvesChallenge verifies the happy path: detect block,
// capture image, solve, fill, submit, verify the page came back clean.
func TestResolveBlockerSolvesChallenge(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	drv.queue(scriptDetectBlock, true, false)
	drv.queue(scriptCaptchaImage, "data:image/png;base64,AAAA")

	stats := &fakeStats{}
	solver := &fakeSolver{answer: "XK4T9"}
	sess := NewSession(drv, Config{Solver: solver, Stats: stats})

	require.NoError(t, sess.ResolveBlocker(context.Background()))
	require.Equal(t, "XK4T9", drv.fills[poit.BlockAnswerSelector])
	require.Equal(t, []string{poit.BlockSubmitSelector}, drv.clicks)
	require.Equal(t, 1, stats.captchas)
	require.Equal(t, 1, stats.success)
	require.Zero(t, stats.blocked)
}

// TestResolveBlockerReloadsWhenImageMissing verifies a block page without a
// challenge image is reloaded rather than solved.
func TestResolveBlockerReloadsWhenImageMissing(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	drv.queue(scriptDetectBlock, true, false)
	drv.queue(scriptCaptchaImage, "")

	sess := NewSession(drv, Config{Solver: &fakeSolver{}, Stats: &fakeStats{}})
	require.NoError(t, sess.ResolveBlocker(context.Background()))
	require.Equal(t, 1, drv.reloads)
	require.Empty(t, drv.clicks)
}

// TestResolveBlockerRetriesAfterSolveFailure verifies a failed solve
// reloads and tries again instead of aborting.
func TestResolveBlockerRetriesAfterSolveFailure(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	drv.queue(scriptDetectBlock, true, false)
	drv.queue(scriptCaptchaImage, "data:image/png;base64,AAAA")

	solver := &fakeSolver{err: errors.New("provider down")}
	sess := NewSession(drv, Config{Solver: solver, Stats: &fakeStats{}})

	require.NoError(t, sess.ResolveBlocker(context.Background()))
	require.Equal(t, 1, solver.calls)
	require.Equal(t, 1, drv.reloads)
}

// TestResolveBlockerExhaustsAttempts verifies a persistent block burns the
// session: ErrBlocked and a session-blocked stat.
func TestResolveBlockerExhaustsAttempts(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	drv.queue(scriptDetectBlock, true)
	drv.queue(scriptCaptchaImage, "data:image/png;base64,AAAA")

	stats := &fakeStats{}
	sess := NewSession(drv, Config{
		Solver:        &fakeSolver{answer: "WRONG"},
		Stats:         stats,
		BlockAttempts: 3,
	})

	err := sess.ResolveBlocker(context.Background())
	require.ErrorIs(t, err, ErrBlocked)
	require.Equal(t, 3, stats.captchas)
	require.Equal(t, 1, stats.blocked)
}

// TestEnsureSearchFormFollowsLink verifies the search link is clicked when
// the inputs are not yet rendered.
func TestEnsureSearchFormFollowsLink(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	drv.queue(scriptDismissCookieBanner, false)
	drv.queue(scriptHasSearchInputs, false, true)
	drv.queue(scriptClickSearchLink, true)

	sess := NewSession(drv, Config{Solver: &fakeSolver{}, Stats: &fakeStats{}})
	ready, err := sess.EnsureSearchForm(context.Background())
	require.NoError(t, err)
	require.True(t, ready)
}

// TestEnsureSearchFormForcesClickWhenNavigationStalls verifies a click
// that never leaves the current page is retried with a synthetic click
// before the input wait starts.
func TestEnsureSearchFormForcesClickWhenNavigationStalls(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	drv.locs = []string{"https://poit.bolagsverket.se/start", poit.StartURL}
	drv.queue(scriptDismissCookieBanner, false)
	drv.queue(scriptHasSearchInputs, false, true)
	drv.queue(scriptClickSearchLink, true)
	drv.queue(scriptForceClickSearchLink, true)

	sess := NewSession(drv, Config{
		Solver:       &fakeSolver{},
		Stats:        &fakeStats{},
		NavWait:      time.Nanosecond,
		PollInterval: time.Millisecond,
	})
	ready, err := sess.EnsureSearchForm(context.Background())
	require.NoError(t, err)
	require.True(t, ready)
	require.Equal(t, 1, drv.evalCount[scriptForceClickSearchLink],
		"synthetic click must fire after the first click stalls")
}

// TestEnsureSearchFormAlreadyPresent verifies no navigation happens when
// the form is already on the page.
func TestEnsureSearchFormAlreadyPresent(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	drv.queue(scriptDismissCookieBanner, true)
	drv.queue(scriptHasSearchInputs, true)

	sess := NewSession(drv, Config{Solver: &fakeSolver{}, Stats: &fakeStats{}})
	ready, err := sess.EnsureSearchForm(context.Background())
	require.NoError(t, err)
	require.True(t, ready)
	require.Empty(t, drv.clicks)
}

// TestWaitForInputsTimesOutQuietly verifies an absent form is reported as
// false, not as an error.
func TestWaitForInputsTimesOutQuietly(t *testing.T) {
	t.Parallel()

	drv := newFakeDriver()
	drv.queue(scriptHasSearchInputs, false)

	sess := NewSession(drv, Config{
		Solver:       &fakeSolver{},
		Stats:        &fakeStats{},
		InputWait:    20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	present, err := sess.WaitForInputs(context.Background())
	require.NoError(t, err)
	require.False(t, present)
}

// TestOpenRestoresSavedSession verifies cookies from the store land in the
// driver before navigation.
func TestOpenRestoresSavedSession(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), []byte(`[{"name":"sid"}]`)))

	drv := newFakeDriver()
	drv.queue(scriptDetectBlock, false)

	sess := NewSession(drv, Config{Solver: &fakeSolver{}, Stats: &fakeStats{}, Sessions: store})
	require.NoError(t, sess.Open(context.Background()))
	require.Equal(t, []byte(`[{"name":"sid"}]`), drv.cookies)
	require.Equal(t, []string{poit.StartURL}, drv.navs)
}

// TestSaveSessionWritesCookieBlob verifies the driver's jar reaches the
// store.
func TestSaveSessionWritesCookieBlob(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	drv := newFakeDriver()
	sess := NewSession(drv, Config{Solver: &fakeSolver{}, Stats: &fakeStats{}, Sessions: store})

	sess.SaveSession(context.Background())
	blob, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte(`[{"name":"sid"}]`), blob)
}
