package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voice-fusion/app/effects"
	"voice-fusion/app/model"
	"voice-fusion/app/provider"
	"voice-fusion/app/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateJobSubmitsToClone(t *testing.T) {
	h := newHarness(t)

	rec := h.submit(t, nil)

	assert.Equal(t, model.ConversionRunning, rec.Status)
	assert.Equal(t, model.StageClone, rec.Stage)
	assert.Equal(t, "clone-1", rec.CloneTaskID)
	assert.Empty(t, rec.OutputRef)
	assert.NotEmpty(t, rec.InputRef)

	require.Equal(t, 1, h.clone.submitCount())
	assert.Equal(t, "model-7", h.clone.submitted[0].ModelRef)
	assert.Equal(t, []byte("RIFF-audio"), h.clone.submitted[0].Audio)
	assert.Equal(t, "take.wav", h.clone.submitted[0].Filename)
}

// 无音效：克隆完成即任务完成，不进入音效阶段
func TestCloneOnlyCompletes(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}

	rec := h.submit(t, nil)
	rec = h.advance(t, rec.ID)

	assert.Equal(t, model.ConversionCompleted, rec.Status)
	assert.Equal(t, model.StageDone, rec.Stage)
	assert.Equal(t, "r1", rec.OutputRef)
	assert.Equal(t, "r1", rec.CloneResultRef)
	assert.Empty(t, rec.Error)
	assert.Equal(t, 100, rec.OverallProgress())
	assert.NotNil(t, rec.CompletedAt)

	assert.Zero(t, h.effects.submitCount())
	assert.Empty(t, h.relay.sources)
}

func TestEffectsSubmitFailureFallsBackToClone(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}
	h.effects.submitErr = &provider.Error{
		Provider: provider.EffectsName,
		Op:       "submit",
		Kind:     provider.ErrSubmissionFailed,
		Err:      errors.New("dial tcp: connection refused"),
	}

	rec := h.submit(t, reverb())
	rec = h.advance(t, rec.ID)

	assert.Equal(t, model.ConversionCompleted, rec.Status)
	assert.Equal(t, model.StageDone, rec.Stage)
	assert.Equal(t, "r1", rec.OutputRef)
	assert.Contains(t, rec.Error, "effects not applied")
	assert.Contains(t, rec.Error, CauseUnavailable)
	assert.NotEmpty(t, rec.IntermediateRef)
	assert.Equal(t, 1, h.effects.submitCount())
}

func TestEffectsCompleteDeliversProcessedAudio(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}
	h.effects.steps = []pollStep{running(40), done("r2")}

	rec := h.submit(t, reverb())

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionRunning, rec.Status)
	assert.Equal(t, model.StageEffects, rec.Stage)
	assert.Equal(t, "r1", rec.CloneResultRef)
	assert.Equal(t, "https://assets.local/assets/relayed-r1", rec.IntermediateRef)
	assert.Equal(t, "fx-1", rec.EffectsTaskID)
	assert.Empty(t, rec.OutputRef)

	require.Equal(t, 1, h.effects.submitCount())
	submitted := h.effects.submitted[0]
	assert.Equal(t, rec.IntermediateRef, submitted.AudioRef)
	require.Len(t, submitted.Effects, 1)
	assert.Equal(t, "reverb", submitted.Effects[0].Name)

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionRunning, rec.Status)
	assert.Equal(t, 40, rec.Progress)
	assert.Equal(t, 70, rec.OverallProgress())

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionCompleted, rec.Status)
	assert.Equal(t, model.StageDone, rec.Stage)
	assert.Equal(t, "r2", rec.OutputRef)
	assert.Empty(t, rec.Error)
}

func TestCloneFailureLeavesNoOutput(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{running(20), vendorError("Quota exceeded for this account")}

	rec := h.submit(t, reverb())
	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionRunning, rec.Status)

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionFailed, rec.Status)
	assert.Equal(t, model.StageDone, rec.Stage)
	assert.Equal(t, "voice clone failed: quota exceeded", rec.Error)
	assert.Empty(t, rec.OutputRef)
	assert.Zero(t, h.effects.submitCount())
}

func TestInvalidEffectRejectedSynchronously(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.CreateJob(context.Background(), JobInput{
		OwnerID:  "user-1",
		ModelRef: "model-7",
		Audio:    []byte("RIFF"),
		Filename: "a.wav",
		Effects:  []model.AudioEffect{{Name: "time_travel", Enabled: true}},
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "effects", verr.Field)
	assert.ErrorIs(t, err, effects.ErrUnknownEffect)

	assert.Zero(t, h.clone.submitCount())
	assert.Zero(t, h.assets.count())

	records, total, err := h.store.ListByOwner(context.Background(), "user-1", 1, 20)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, records)
}

func TestCreateJobValidation(t *testing.T) {
	tests := []struct {
		name  string
		in    JobInput
		field string
	}{
		{"缺少用户", JobInput{ModelRef: "m", Audio: []byte("a")}, "owner"},
		{"缺少模型", JobInput{OwnerID: "u", Audio: []byte("a")}, "model_ref"},
		{"空音频", JobInput{OwnerID: "u", ModelRef: "m"}, "audio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.orch.CreateJob(context.Background(), tt.in)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Zero(t, h.clone.submitCount())
		})
	}
}

func TestCloneSubmitFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.clone.submitErr = &provider.Error{
		Provider: provider.CloneName,
		Op:       "submit",
		Kind:     provider.ErrSubmissionFailed,
		Message:  "Unknown model id",
	}

	rec := h.submit(t, nil)

	assert.Equal(t, model.ConversionFailed, rec.Status)
	assert.Equal(t, model.StageDone, rec.Stage)
	assert.Equal(t, "voice clone submission failed: model unavailable", rec.Error)
	assert.Empty(t, rec.CloneTaskID)
	assert.Empty(t, rec.OutputRef)
}

func TestCloneTransportErrorKeepsRunning(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{transportError(), transportError(), running(30)}

	rec := h.submit(t, nil)

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionRunning, rec.Status)
	assert.Equal(t, 1, rec.PollFailures)

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionRunning, rec.Status)
	assert.Equal(t, 2, rec.PollFailures)

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionRunning, rec.Status)
	assert.Zero(t, rec.PollFailures)
	assert.Equal(t, 30, rec.Progress)
}

func TestEffectsVendorErrorFallsBack(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}
	h.effects.steps = []pollStep{vendorError("unsupported sample rate")}

	rec := h.submit(t, reverb())
	rec = h.advance(t, rec.ID)
	require.Equal(t, model.StageEffects, rec.Stage)

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionCompleted, rec.Status)
	assert.Equal(t, "r1", rec.OutputRef)
	assert.Equal(t, effectsWarning(CauseInvalidData), rec.Error)
}

func TestEffectsTransportFailuresFallBackAfterThreshold(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}
	h.effects.steps = []pollStep{transportError()}

	rec := h.submit(t, reverb())
	rec = h.advance(t, rec.ID)
	require.Equal(t, model.StageEffects, rec.Stage)

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionRunning, rec.Status)
	assert.Equal(t, 1, rec.PollFailures)

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionRunning, rec.Status)
	assert.Equal(t, 2, rec.PollFailures)

	rec = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionCompleted, rec.Status)
	assert.Equal(t, "r1", rec.OutputRef)
	assert.Equal(t, effectsWarning(CauseUnavailable), rec.Error)
}

func TestRelayFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}
	h.relay.err = storage.ErrFetchFailed

	rec := h.submit(t, reverb())
	rec = h.advance(t, rec.ID)

	assert.Equal(t, model.ConversionCompleted, rec.Status)
	assert.Equal(t, "r1", rec.OutputRef)
	assert.Equal(t, effectsWarning(CauseHandoff), rec.Error)
	assert.Zero(t, h.effects.submitCount())
}

func TestStaleCloneFails(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{running(10)}

	rec := h.submit(t, nil)

	h.clock.Advance(5 * time.Minute)
	rec = h.advance(t, rec.ID)
	require.Equal(t, model.ConversionRunning, rec.Status)

	// 进度没有变化，不刷新进展时间
	h.clock.Advance(5 * time.Minute)
	rec = h.advance(t, rec.ID)
	require.Equal(t, model.ConversionRunning, rec.Status)

	h.clock.Advance(6 * time.Minute)
	polls := h.clone.pollCount()
	rec = h.advance(t, rec.ID)

	assert.Equal(t, model.ConversionFailed, rec.Status)
	assert.Equal(t, model.StageDone, rec.Stage)
	assert.Contains(t, rec.Error, "timed out")
	assert.Empty(t, rec.OutputRef)
	// 判定超时前仍会先询问服务商
	assert.Equal(t, polls+1, h.clone.pollCount())
}

func TestCloneFinishedAfterWindowStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}

	rec := h.submit(t, nil)

	// 轮询中断超过时间上限，期间服务商已完成
	h.clock.Advance(11 * time.Minute)
	rec = h.advance(t, rec.ID)

	assert.Equal(t, model.ConversionCompleted, rec.Status)
	assert.Equal(t, "r1", rec.OutputRef)
	assert.Empty(t, rec.Error)
	assert.Equal(t, 1, h.clone.pollCount())
}

func TestCloneProgressAfterWindowIsNotStale(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{running(35)}

	rec := h.submit(t, nil)

	h.clock.Advance(11 * time.Minute)
	rec = h.advance(t, rec.ID)

	assert.Equal(t, model.ConversionRunning, rec.Status)
	assert.Equal(t, 35, rec.Progress)
}

func TestStaleCloneTransportErrorFails(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{transportError()}

	rec := h.submit(t, nil)

	h.clock.Advance(11 * time.Minute)
	rec = h.advance(t, rec.ID)

	assert.Equal(t, model.ConversionFailed, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
}

func TestEffectsFinishedAfterWindowStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}
	h.effects.steps = []pollStep{done("r2")}

	rec := h.submit(t, reverb())
	rec = h.advance(t, rec.ID)
	require.Equal(t, model.StageEffects, rec.Stage)

	h.clock.Advance(11 * time.Minute)
	rec = h.advance(t, rec.ID)

	assert.Equal(t, model.ConversionCompleted, rec.Status)
	assert.Equal(t, "r2", rec.OutputRef)
	assert.Empty(t, rec.Error)
}

func TestStalePendingFailsWithoutPolling(t *testing.T) {
	h := newHarness(t)
	seedRecord(t, h.store, "pending", "user-1", h.clock.Now())

	rec := h.advance(t, "pending")
	require.Equal(t, model.ConversionPending, rec.Status)

	h.clock.Advance(11 * time.Minute)
	rec = h.advance(t, "pending")

	assert.Equal(t, model.ConversionFailed, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
	assert.Zero(t, h.clone.pollCount())
}

func TestStaleEffectsFallsBack(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}
	h.effects.steps = []pollStep{running(0)}

	rec := h.submit(t, reverb())
	rec = h.advance(t, rec.ID)
	require.Equal(t, model.StageEffects, rec.Stage)

	h.clock.Advance(11 * time.Minute)
	rec = h.advance(t, rec.ID)

	assert.Equal(t, model.ConversionCompleted, rec.Status)
	assert.Equal(t, "r1", rec.OutputRef)
	assert.Equal(t, effectsWarning(CauseTimeout), rec.Error)
}

func TestAdvanceTerminalIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}

	rec := h.submit(t, nil)
	first := h.advance(t, rec.ID)
	require.True(t, first.IsTerminal())
	polls := h.clone.pollCount()

	h.clock.Advance(time.Hour)
	second := h.advance(t, rec.ID)
	third := h.advance(t, rec.ID)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.OutputRef, third.OutputRef)
	assert.Equal(t, first.Error, third.Error)
	assert.True(t, first.UpdatedAt.Equal(third.UpdatedAt))
	assert.Equal(t, polls, h.clone.pollCount())
}

func TestAdvanceUnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Advance(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentAdvanceSubmitsEffectsOnce(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}
	h.effects.delay = 20 * time.Millisecond

	rec := h.submit(t, reverb())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Advance(context.Background(), rec.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.effects.submitCount())
	final, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageEffects, final.Stage)
	assert.Equal(t, model.ConversionRunning, final.Status)
}

func TestStatusNeverMovesBackwards(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{running(10), transportError(), running(60), done("r1")}
	h.effects.steps = []pollStep{running(50), transportError(), vendorError("boom")}

	rec := h.submit(t, reverb())
	lastStatus, lastStage := rec.Status.Rank(), rec.Stage.Rank()

	for i := 0; i < 12; i++ {
		rec = h.advance(t, rec.ID)
		assert.GreaterOrEqual(t, rec.Status.Rank(), lastStatus)
		assert.GreaterOrEqual(t, rec.Stage.Rank(), lastStage)
		lastStatus, lastStage = rec.Status.Rank(), rec.Stage.Rank()
	}

	assert.Equal(t, model.ConversionCompleted, rec.Status)
	assert.Equal(t, "r1", rec.OutputRef)
}

// 两个实例各自持有进程内锁，共享同一份任务存储
func TestEffectsSubmittedOnceAcrossInstances(t *testing.T) {
	h := newHarness(t)
	h.clone.steps = []pollStep{done("r1")}
	h.effects.delay = 20 * time.Millisecond

	other := NewOrchestrator(h.store, h.clone, h.effects, h.assets, h.relay, testLogger(), Options{
		StaleAfter:          10 * time.Minute,
		EffectsPollFailures: 3,
	})
	other.now = h.clock.Now

	rec := h.submit(t, reverb())

	var wg sync.WaitGroup
	for _, o := range []*Orchestrator{h.orch, other, h.orch, other} {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			_, err := o.Advance(context.Background(), rec.ID)
			assert.NoError(t, err)
		}(o)
	}
	wg.Wait()

	assert.Equal(t, 1, h.effects.submitCount())
	assert.Len(t, h.relay.sources, 1)

	final, err := h.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageEffects, final.Stage)
	assert.Equal(t, "fx-1", final.EffectsTaskID)
}

func TestClaimedEffectsWithoutTaskWaitsThenFallsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 占用了音效阶段但提交前进程退出
	rec := seedRecord(t, h.store, "claimed", "user-1", h.clock.Now())
	require.NoError(t, h.store.Transition(ctx, rec.ID, GuardOf(rec), Changes{Status: model.ConversionRunning}))
	require.NoError(t, h.store.Transition(ctx, rec.ID, Guard{Status: model.ConversionRunning, Stage: model.StageClone}, Changes{
		Stage:  model.StageEffects,
		Fields: map[string]any{"clone_result_ref": "r1", "last_progress_at": h.clock.Now()},
	}))

	got := h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionRunning, got.Status)
	assert.Zero(t, h.effects.pollCount())

	h.clock.Advance(11 * time.Minute)
	got = h.advance(t, rec.ID)
	assert.Equal(t, model.ConversionCompleted, got.Status)
	assert.Equal(t, "r1", got.OutputRef)
	assert.Equal(t, effectsWarning(CauseTimeout), got.Error)
	assert.Zero(t, h.effects.submitCount())
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := keyedMutex{locks: make(map[string]*refLock)}

	unlock := k.Lock("a")
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		k.Lock("a")()
	}()

	select {
	case <-acquired:
		t.Fatal("同一个键不应该同时加锁成功")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-acquired
	assert.Empty(t, k.locks)
}
