package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webauto/internal/apierr"
)

// fakeProber answers Has from a mutable container-presence set.
type fakeProber struct {
	mu      sync.Mutex
	url     string
	present map[string]bool
}

func (f *fakeProber) URL() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *fakeProber) Has(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[id], nil
}

func (f *fakeProber) set(url string, present ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
	f.present = make(map[string]bool)
	for _, id := range present {
		f.present[id] = true
	}
}

func xhsProbes() []Probe {
	return []Probe{
		{Checkpoint: HomeReady, ContainerIDs: []string{"xiaohongshu_home.feed"}},
		{Checkpoint: SearchReady, ContainerIDs: []string{"xiaohongshu_search.search_result_item"}},
		{Checkpoint: DetailReady, ContainerIDs: []string{"xiaohongshu_detail.note_body"}},
		{Checkpoint: CommentsReady, ContainerIDs: []string{"xiaohongshu_detail.note_body", "xiaohongshu_detail.comment_list"}},
		{Checkpoint: LoginGuard, ContainerIDs: []string{"xiaohongshu_login.login_guard"}},
		{Checkpoint: RiskControl, ContainerIDs: []string{"xiaohongshu_login.qrcode_guard"}},
	}
}

func TestHardStopsEvaluateFirst(t *testing.T) {
	d := New(xhsProbes())
	p := &fakeProber{}
	// a risk page can render the home feed underneath its overlay
	p.set("https://www.xiaohongshu.com/explore",
		"xiaohongshu_home.feed", "xiaohongshu_login.qrcode_guard")

	res, err := d.Detect(p)
	require.NoError(t, err)
	assert.Equal(t, RiskControl, res.Checkpoint)
	assert.Equal(t, []string{"xiaohongshu_login.qrcode_guard"}, res.MatchedContainers)
}

func TestRiskControlOutranksLoginGuard(t *testing.T) {
	d := New(xhsProbes())
	p := &fakeProber{}
	p.set("https://www.xiaohongshu.com/explore",
		"xiaohongshu_login.login_guard", "xiaohongshu_login.qrcode_guard")

	res, err := d.Detect(p)
	require.NoError(t, err)
	assert.Equal(t, RiskControl, res.Checkpoint)
}

func TestDeepestReadyStateWins(t *testing.T) {
	d := New(xhsProbes())
	p := &fakeProber{}
	// comments_ready requires note_body AND comment_list; both present
	p.set("https://www.xiaohongshu.com/explore/abc123",
		"xiaohongshu_detail.note_body", "xiaohongshu_detail.comment_list")

	res, err := d.Detect(p)
	require.NoError(t, err)
	assert.Equal(t, CommentsReady, res.Checkpoint)

	// comment list gone: only detail_ready remains satisfiable
	p.set("https://www.xiaohongshu.com/explore/abc123", "xiaohongshu_detail.note_body")
	res, err = d.Detect(p)
	require.NoError(t, err)
	assert.Equal(t, DetailReady, res.Checkpoint)
}

func TestDetectUnknown(t *testing.T) {
	d := New(xhsProbes())
	p := &fakeProber{}
	p.set("https://example.com/")

	res, err := d.Detect(p)
	require.NoError(t, err)
	assert.Equal(t, Unknown, res.Checkpoint)
	assert.Empty(t, res.MatchedContainers)
}

func TestEnsureReachesTarget(t *testing.T) {
	d := New(xhsProbes())
	p := &fakeProber{}
	p.set("https://www.xiaohongshu.com/search_result?keyword=tea",
		"xiaohongshu_search.search_result_item")

	res, err := d.Ensure(context.Background(), p, SearchReady, EnsureOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, SearchReady, res.Checkpoint)

	// idempotent once reached
	res, err = d.Ensure(context.Background(), p, SearchReady, EnsureOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, SearchReady, res.Checkpoint)
}

func TestEnsureTimesOutUnreachable(t *testing.T) {
	d := New(xhsProbes())
	p := &fakeProber{}
	p.set("https://www.xiaohongshu.com/explore", "xiaohongshu_home.feed")

	_, err := d.Ensure(context.Background(), p, DetailReady, EnsureOptions{
		Timeout:      200 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, &apierr.Error{Code: apierr.CodeCheckpointUnreachable})
}

func TestEnsureHardStopShortCircuits(t *testing.T) {
	d := New(xhsProbes())
	p := &fakeProber{}
	p.set("https://www.xiaohongshu.com/explore", "xiaohongshu_login.login_guard")

	_, err := d.Ensure(context.Background(), p, HomeReady, EnsureOptions{Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, &apierr.Error{Code: apierr.CodeLoginGuardDetected})

	p.set("https://www.xiaohongshu.com/explore", "xiaohongshu_login.qrcode_guard")
	_, err = d.Ensure(context.Background(), p, HomeReady, EnsureOptions{Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, &apierr.Error{Code: apierr.CodeRiskControlDetected})
}

func TestEnsureOneLevelUpFallback(t *testing.T) {
	d := New(xhsProbes())
	p := &fakeProber{}
	p.set("https://www.xiaohongshu.com/explore", "xiaohongshu_home.feed")

	// target search_ready, but only home_ready holds; fallback accepts it
	res, err := d.Ensure(context.Background(), p, SearchReady, EnsureOptions{
		Timeout:                 time.Second,
		AllowOneLevelUpFallback: true,
	})
	require.NoError(t, err)
	assert.Equal(t, HomeReady, res.Checkpoint)

	// without the fallback the same state times out
	_, err = d.Ensure(context.Background(), p, SearchReady, EnsureOptions{
		Timeout:      200 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, &apierr.Error{Code: apierr.CodeCheckpointUnreachable})
}

func TestEnsureCancellation(t *testing.T) {
	d := New(xhsProbes())
	p := &fakeProber{}
	p.set("https://www.xiaohongshu.com/explore")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := d.Ensure(ctx, p, HomeReady, EnsureOptions{
		Timeout:      10 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOneLevelUp(t *testing.T) {
	up, ok := oneLevelUp(CommentsReady)
	require.True(t, ok)
	assert.Equal(t, DetailReady, up)

	_, ok = oneLevelUp(HomeReady)
	assert.False(t, ok)

	_, ok = oneLevelUp(RiskControl)
	assert.False(t, ok)
}
