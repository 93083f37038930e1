package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbc-team/cex-wallet-sub001/internal/alert"
	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/confirmation"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/indexer"
	"github.com/lbc-team/cex-wallet-sub001/internal/pipeline/withdrawal"
	redispkg "github.com/lbc-team/cex-wallet-sub001/internal/store/redis"
)

type fakeScanner struct {
	mu    sync.Mutex
	calls int
	errs  []error
	panic bool
	tip   int64
}

var _ Scanner = (*fakeScanner)(nil)

func (f *fakeScanner) Sync(context.Context) (indexer.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panic {
		panic("boom")
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return indexer.SyncResult{}, err
	}
	return indexer.SyncResult{Tip: f.tip, LastAccepted: f.tip}, nil
}

func (f *fakeScanner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeConfirmer struct {
	started atomic.Bool
	cycles  atomic.Int32
	wake    chan struct{}
}

var _ Confirmer = (*fakeConfirmer)(nil)

func newFakeConfirmer() *fakeConfirmer {
	return &fakeConfirmer{wake: make(chan struct{}, 1)}
}

func (f *fakeConfirmer) Start(context.Context) { f.started.Store(true) }

func (f *fakeConfirmer) RunOnce(context.Context) (confirmation.CycleResult, error) {
	f.cycles.Add(1)
	return confirmation.CycleResult{}, nil
}

func (f *fakeConfirmer) Wake() <-chan struct{} { return f.wake }

type fakeWithdrawals struct {
	polls atomic.Int32
}

var _ Withdrawals = (*fakeWithdrawals)(nil)

func (f *fakeWithdrawals) RunOnce(context.Context) (withdrawal.Result, error) {
	f.polls.Add(1)
	return withdrawal.Result{}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) Types() []alert.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alert.AlertType, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Type)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(network string, alerter alert.Alerter) Config {
	return Config{
		Chain:                model.ChainEthereum,
		Network:              model.Network(network),
		PollInterval:         5 * time.Millisecond,
		ConfirmationInterval: 5 * time.Millisecond,
		WithdrawalInterval:   5 * time.Millisecond,
		UnhealthyThreshold:   2,
		Alerter:              alerter,
	}
}

func runAsync(ctx context.Context, p *Pipeline) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return done
}

func waitStopped(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func TestPipeline_RunDrivesAllLoops(t *testing.T) {
	t.Parallel()
	scanner := &fakeScanner{tip: 10}
	confirmer := newFakeConfirmer()
	withdrawals := &fakeWithdrawals{}
	p := New(testConfig("run-all", nil), scanner, confirmer, testLogger(), WithWithdrawals(withdrawals))
	assert.True(t, p.Leader())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, p)

	assert.Eventually(t, func() bool {
		return scanner.Calls() >= 2 && confirmer.cycles.Load() >= 2 && withdrawals.polls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, confirmer.started.Load())
	assert.Equal(t, string(HealthStatusHealthy), p.Health().Snapshot().Status)
	assert.Equal(t, int64(10), p.Health().Snapshot().LastAccepted)

	cancel()
	assert.NoError(t, waitStopped(t, done))
}

func TestPipeline_WakeRunsConfirmationBetweenTicks(t *testing.T) {
	t.Parallel()
	cfg := testConfig("wake", nil)
	cfg.ConfirmationInterval = time.Hour
	confirmer := newFakeConfirmer()
	p := New(cfg, &fakeScanner{tip: 1}, confirmer, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, p)

	assert.Never(t, func() bool { return confirmer.cycles.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	confirmer.wake <- struct{}{}
	assert.Eventually(t, func() bool { return confirmer.cycles.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, waitStopped(t, done))
}

func TestPipeline_UnhealthyThenRecovery(t *testing.T) {
	t.Parallel()
	alerts := &recordingAlerter{}
	scanner := &fakeScanner{errs: []error{errors.New("rpc down"), errors.New("rpc down"), errors.New("rpc down")}}
	p := New(testConfig("unhealthy", alerts), scanner, newFakeConfirmer(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, p)

	assert.Eventually(t, func() bool {
		return len(alerts.Types()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []alert.AlertType{alert.AlertTypeUnhealthy, alert.AlertTypeRecovery}, alerts.Types())
	assert.Eventually(t, func() bool {
		return p.Health().Snapshot().Status == string(HealthStatusHealthy)
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, waitStopped(t, done))
}

func TestPipeline_PanicStopsRun(t *testing.T) {
	t.Parallel()
	p := New(testConfig("panic", nil), &fakeScanner{panic: true}, newFakeConfirmer(), testLogger())

	err := waitStopped(t, runAsync(context.Background(), p))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan loop panic")
}

func TestPipeline_LeaseSingleLeader(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	network := model.Network("lease")
	newPipeline := func() (*Pipeline, *fakeScanner, *fakeConfirmer) {
		s, c := &fakeScanner{}, newFakeConfirmer()
		lease := redispkg.NewLease(client, model.ChainEthereum, network, time.Minute)
		return New(testConfig(string(network), nil), s, c, testLogger(), WithLease(lease)), s, c
	}
	first, firstScanner, _ := newPipeline()
	second, secondScanner, secondConfirmer := newPipeline()

	ctx, cancel := context.WithCancel(context.Background())
	firstDone := runAsync(ctx, first)
	assert.Eventually(t, func() bool { return first.Leader() && firstScanner.Calls() > 0 }, 2*time.Second, 5*time.Millisecond)

	secondCtx, secondCancel := context.WithCancel(context.Background())
	secondDone := runAsync(secondCtx, second)
	assert.Eventually(t, func() bool {
		return second.Health().Snapshot().Status == string(HealthStatusStandby)
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, second.Leader())
	assert.Zero(t, secondScanner.Calls())
	assert.Zero(t, secondConfirmer.cycles.Load())

	// The leader gives the lease up on shutdown and the standby takes over.
	cancel()
	assert.NoError(t, waitStopped(t, firstDone))
	assert.Eventually(t, func() bool { return second.Leader() && secondScanner.Calls() > 0 }, 2*time.Second, 5*time.Millisecond)

	secondCancel()
	assert.NoError(t, waitStopped(t, secondDone))
	assert.False(t, mr.Exists(redispkg.LeaseKey(model.ChainEthereum, network)))
}
