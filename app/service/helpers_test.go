package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voice-fusion/app/config"
	"voice-fusion/app/database"
	"voice-fusion/app/logger"
	"voice-fusion/app/model"
	"voice-fusion/app/provider"

	"github.com/stretchr/testify/require"
)

func testLogger() *logger.Logger {
	return logger.New(config.LogConfig{Level: "error", Output: "stdout"})
}

func newTestRecordStore(t *testing.T) *RecordStore {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return NewRecordStore(db)
}

type pollStep struct {
	result *provider.PollResult
	err    error
}

func done(ref string) pollStep {
	return pollStep{result: &provider.PollResult{Status: provider.TaskDone, ResultRef: ref}}
}

func running(progress int) pollStep {
	return pollStep{result: &provider.PollResult{Status: provider.TaskRunning, Progress: &progress}}
}

func vendorError(msg string) pollStep {
	return pollStep{result: &provider.PollResult{Status: provider.TaskError, Error: msg}}
}

func transportError() pollStep {
	return pollStep{err: &provider.Error{Provider: "fake", Op: "poll", Kind: provider.ErrTransport, Err: context.DeadlineExceeded}}
}

// fakeAdapter 按顺序返回预设的轮询结果，最后一个结果重复返回
type fakeAdapter struct {
	mu        sync.Mutex
	name      string
	taskID    string
	submitErr error
	submitted []provider.SubmitRequest
	steps     []pollStep
	polls     int
	delay     time.Duration
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Submit(_ context.Context, req provider.SubmitRequest) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return fmt.Sprintf("%s-%d", f.taskID, len(f.submitted)), nil
}

func (f *fakeAdapter) Poll(_ context.Context, _ string) (*provider.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steps) == 0 {
		return &provider.PollResult{Status: provider.TaskQueued}, nil
	}
	i := f.polls
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	f.polls++
	step := f.steps[i]
	return step.result, step.err
}

func (f *fakeAdapter) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeAdapter) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type fakeAssets struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeAssets) Upload(_ context.Context, data []byte, ext string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	ref := fmt.Sprintf("https://assets.local/assets/%d%s", len(f.objects)+1, ext)
	f.objects[ref] = data
	return ref, nil
}

func (f *fakeAssets) Download(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[ref]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeAssets) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeRelay struct {
	mu      sync.Mutex
	err     error
	sources []string
}

func (f *fakeRelay) Relay(_ context.Context, sourceURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, sourceURL)
	if f.err != nil {
		return "", f.err
	}
	return "https://assets.local/assets/relayed-" + sourceURL, nil
}

type harness struct {
	store   *RecordStore
	clone   *fakeAdapter
	effects *fakeAdapter
	assets  *fakeAssets
	relay   *fakeRelay
	orch    *Orchestrator
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:   newTestRecordStore(t),
		clone:   &fakeAdapter{name: provider.CloneName, taskID: "clone"},
		effects: &fakeAdapter{name: provider.EffectsName, taskID: "fx"},
		assets:  &fakeAssets{},
		relay:   &fakeRelay{},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.orch = NewOrchestrator(h.store, h.clone, h.effects, h.assets, h.relay, testLogger(), Options{
		StaleAfter:          10 * time.Minute,
		EffectsPollFailures: 3,
	})
	h.orch.now = h.clock.Now
	return h
}

func reverb() []model.AudioEffect {
	return []model.AudioEffect{{Name: "reverb", Enabled: true, Params: map[string]any{"wet": 0.4}}}
}

func (h *harness) submit(t *testing.T, fx []model.AudioEffect) *model.ConversionRecord {
	t.Helper()
	rec, err := h.orch.CreateJob(context.Background(), JobInput{
		OwnerID:  "user-1",
		ModelRef: "model-7",
		Audio:    []byte("RIFF-audio"),
		Filename: "take.wav",
		Effects:  fx,
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) advance(t *testing.T, id string) *model.ConversionRecord {
	t.Helper()
	rec, err := h.orch.Advance(context.Background(), id)
	require.NoError(t, err)
	return rec
}
