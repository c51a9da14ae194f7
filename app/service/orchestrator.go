package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"voice-fusion/app/config"
	"voice-fusion/app/effects"
	"voice-fusion/app/logger"
	"voice-fusion/app/model"
	"voice-fusion/app/provider"
	"voice-fusion/app/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Relayer 把克隆结果转存到素材存储
type Relayer interface {
	Relay(ctx context.Context, sourceURL string) (string, error)
}

// Options 编排器的超时参数
type Options struct {
	CloneSubmitTimeout   time.Duration
	ClonePollTimeout     time.Duration
	EffectsSubmitTimeout time.Duration
	EffectsPollTimeout   time.Duration
	RelayTimeout         time.Duration
	StaleAfter           time.Duration
	EffectsPollFailures  int
}

// OptionsFromConfig 从配置生成编排参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CloneSubmitTimeout:   cfg.Clone.SubmitTimeoutDuration(),
		ClonePollTimeout:     cfg.Clone.PollTimeoutDuration(),
		EffectsSubmitTimeout: cfg.Effects.SubmitTimeoutDuration(),
		EffectsPollTimeout:   cfg.Effects.PollTimeoutDuration(),
		RelayTimeout:         cfg.Effects.SubmitTimeoutDuration(),
		StaleAfter:           cfg.Pipeline.StaleAfterDuration(),
		EffectsPollFailures:  cfg.Pipeline.EffectsPollFailures,
	}
}

func (o *Options) applyDefaults() {
	if o.CloneSubmitTimeout <= 0 {
		o.CloneSubmitTimeout = 30 * time.Second
	}
	if o.ClonePollTimeout <= 0 {
		o.ClonePollTimeout = 10 * time.Second
	}
	if o.EffectsSubmitTimeout <= 0 {
		o.EffectsSubmitTimeout = 20 * time.Second
	}
	if o.EffectsPollTimeout <= 0 {
		o.EffectsPollTimeout = 10 * time.Second
	}
	if o.RelayTimeout <= 0 {
		o.RelayTimeout = 60 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Minute
	}
	if o.EffectsPollFailures <= 0 {
		o.EffectsPollFailures = 3
	}
}

// JobInput 一次提交
type JobInput struct {
	OwnerID  string
	ModelRef string
	Audio    []byte
	Filename string
	Effects  []model.AudioEffect
}

// Orchestrator 转换任务状态机。后台轮询和状态查询都通过 Advance 推进任务。
type Orchestrator struct {
	records *RecordStore
	clone   provider.Adapter
	effects provider.Adapter
	assets  storage.AssetStore
	relay   Relayer
	logger  *logger.Logger
	opts    Options
	locks   keyedMutex
	now     func() time.Time
}

// NewOrchestrator 创建编排器
func NewOrchestrator(records *RecordStore, clone, effectsProvider provider.Adapter, assets storage.AssetStore, relay Relayer, log *logger.Logger, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		records: records,
		clone:   clone,
		effects: effectsProvider,
		assets:  assets,
		relay:   relay,
		logger:  log,
		opts:    opts,
		locks:   keyedMutex{locks: make(map[string]*refLock)},
		now:     time.Now,
	}
}

// CreateJob 校验请求、创建记录并提交到克隆服务。
// 只有 ValidationError 会作为错误返回给调用方；提交失败会记录为任务失败。
func (o *Orchestrator) CreateJob(ctx context.Context, in JobInput) (*model.ConversionRecord, error) {
	requested, err := validateInput(in)
	if err != nil {
		return nil, err
	}

	inputRef, err := o.assets.Upload(ctx, in.Audio, filepath.Ext(in.Filename))
	if err != nil {
		return nil, fmt.Errorf("保存上传音频失败: %w", err)
	}

	now := o.now()
	rec := &model.ConversionRecord{
		ID:               uuid.NewString(),
		OwnerID:          in.OwnerID,
		ModelRef:         in.ModelRef,
		Stage:            model.StageClone,
		Status:           model.ConversionPending,
		InputRef:         inputRef,
		RequestedEffects: requested,
		LastProgressAt:   now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.records.Create(ctx, rec); err != nil {
		return nil, err
	}

	log := o.logger.WithJob(rec.ID)
	log.Info("转换任务已创建",
		zap.String("owner_id", rec.OwnerID),
		zap.String("model_ref", rec.ModelRef),
		zap.Int("effects", len(requested)))

	unlock := o.locks.Lock(rec.ID)
	defer unlock()

	submitCtx, cancel := context.WithTimeout(ctx, o.opts.CloneSubmitTimeout)
	taskID, err := o.clone.Submit(submitCtx, provider.SubmitRequest{
		Audio:    in.Audio,
		Filename: in.Filename,
		ModelRef: in.ModelRef,
	})
	cancel()

	if err != nil {
		log.Warn("提交声音克隆任务失败", zap.Error(err))
		changes := o.terminal(model.ConversionFailed, map[string]any{
			"error": cloneSubmitFailure(classifyErr(err)),
		})
		if err := o.transition(ctx, rec, changes); err != nil {
			return nil, err
		}
		return o.records.Get(ctx, rec.ID)
	}

	err = o.transition(ctx, rec, Changes{
		Status: model.ConversionRunning,
		Fields: map[string]any{
			"clone_task_id":    taskID,
			"last_progress_at": o.now(),
		},
	})
	if err != nil {
		return nil, err
	}
	log.Info("声音克隆任务已提交", zap.String("clone_task_id", taskID))

	return o.records.Get(ctx, rec.ID)
}

func validateInput(in JobInput) ([]model.AudioEffect, error) {
	if in.OwnerID == "" {
		return nil, &ValidationError{Field: "owner", Err: errors.New("缺少用户标识")}
	}
	if in.ModelRef == "" {
		return nil, &ValidationError{Field: "model_ref", Err: errors.New("缺少声音模型")}
	}
	if len(in.Audio) == 0 {
		return nil, &ValidationError{Field: "audio", Err: errors.New("音频内容为空")}
	}
	requested, err := effects.Normalize(in.Effects)
	if err != nil {
		return nil, &ValidationError{Field: "effects", Err: err}
	}
	return requested, nil
}

// Advance 对未结束的任务执行一次推进：先查询当前阶段的服务商并应用状态迁移，
// 只有服务商没有给出终态且超过时间上限没有进展时才判定超时。
// 对已结束的任务不做任何修改。返回推进后的最新记录。
func (o *Orchestrator) Advance(ctx context.Context, id string) (*model.ConversionRecord, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	rec, err := o.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		return rec, nil
	}

	switch {
	case rec.Status == model.ConversionRunning && rec.Stage == model.StageClone:
		err = o.pollClone(ctx, rec)
	case rec.Status == model.ConversionRunning && rec.Stage == model.StageEffects:
		err = o.pollEffects(ctx, rec)
	case o.stale(rec):
		err = o.expire(ctx, rec)
	}

	if errors.Is(err, ErrConflict) {
		o.logger.WithJob(id).Debug("任务已被其它轮询推进，跳过")
	} else if err != nil {
		return nil, err
	}

	return o.records.Get(ctx, id)
}

func (o *Orchestrator) stale(rec *model.ConversionRecord) bool {
	return o.now().Sub(rec.LastProgressAt) > o.opts.StaleAfter
}

// progressed 服务商报告的进度与记录不同
func progressed(rec *model.ConversionRecord, result *provider.PollResult) bool {
	return result.Progress != nil && *result.Progress != rec.Progress
}

// pollClone 查询克隆服务。传输失败不改变状态，等待下一次轮询。
func (o *Orchestrator) pollClone(ctx context.Context, rec *model.ConversionRecord) error {
	log := o.logger.WithJob(rec.ID)

	pollCtx, cancel := context.WithTimeout(ctx, o.opts.ClonePollTimeout)
	result, err := o.clone.Poll(pollCtx, rec.CloneTaskID)
	cancel()
	if err != nil {
		if o.stale(rec) {
			return o.expire(ctx, rec)
		}
		log.Warn("查询声音克隆任务失败，稍后重试", zap.Error(err))
		return o.transition(ctx, rec, Changes{Fields: map[string]any{"poll_failures": rec.PollFailures + 1}})
	}

	switch result.Status {
	case provider.TaskQueued, provider.TaskRunning:
		if !progressed(rec, result) && o.stale(rec) {
			return o.expire(ctx, rec)
		}
		return o.transition(ctx, rec, o.progress(rec, result))

	case provider.TaskError:
		log.Warn("声音克隆任务失败", zap.String("vendor_error", result.Error))
		return o.transition(ctx, rec, o.terminal(model.ConversionFailed, map[string]any{
			"error": cloneFailure(classify(result.Error)),
		}))

	case provider.TaskDone:
		if !rec.HasEffects() {
			log.Info("声音克隆完成", zap.String("output_ref", result.ResultRef))
			return o.transition(ctx, rec, o.terminal(model.ConversionCompleted, map[string]any{
				"clone_result_ref": result.ResultRef,
				"output_ref":       result.ResultRef,
				"error":            "",
			}))
		}
		return o.startEffects(ctx, rec, result.ResultRef)
	}

	return nil
}

// startEffects 克隆完成后先以条件更新占用音效阶段，再转存结果并提交音效任务。
// 占用失败说明其它实例已在处理，不会重复调用服务商。转存或提交失败都降级为直接交付克隆结果。
func (o *Orchestrator) startEffects(ctx context.Context, rec *model.ConversionRecord, cloneRef string) error {
	log := o.logger.WithJob(rec.ID)

	claimedAt := o.now()
	err := o.transition(ctx, rec, Changes{
		Stage: model.StageEffects,
		Fields: map[string]any{
			"clone_result_ref": cloneRef,
			"progress":         0,
			"poll_failures":    0,
			"last_progress_at": claimedAt,
		},
	})
	if err != nil {
		return err
	}
	rec.Stage = model.StageEffects
	rec.CloneResultRef = cloneRef
	rec.Progress = 0
	rec.PollFailures = 0
	rec.LastProgressAt = claimedAt

	relayCtx, cancel := context.WithTimeout(ctx, o.opts.RelayTimeout)
	intermediate, err := o.relay.Relay(relayCtx, cloneRef)
	cancel()
	if err != nil {
		log.Warn("转存克隆结果失败，降级交付克隆结果", zap.Error(err))
		return o.fallback(ctx, rec, cloneRef, classifyErr(err), nil)
	}

	submitCtx, cancel := context.WithTimeout(ctx, o.opts.EffectsSubmitTimeout)
	taskID, err := o.effects.Submit(submitCtx, provider.SubmitRequest{
		AudioRef: intermediate,
		ModelRef: rec.ModelRef,
		Effects:  rec.RequestedEffects,
	})
	cancel()
	if err != nil {
		log.Warn("提交音效任务失败，降级交付克隆结果", zap.Error(err))
		return o.fallback(ctx, rec, cloneRef, classifyErr(err), map[string]any{"intermediate_ref": intermediate})
	}

	log.Info("音效任务已提交", zap.String("effects_task_id", taskID))
	return o.transition(ctx, rec, Changes{
		Fields: map[string]any{
			"intermediate_ref": intermediate,
			"effects_task_id":  taskID,
			"last_progress_at": o.now(),
		},
	})
}

// pollEffects 查询音效服务。服务商报错、连续传输失败或超时时降级交付克隆结果。
func (o *Orchestrator) pollEffects(ctx context.Context, rec *model.ConversionRecord) error {
	log := o.logger.WithJob(rec.ID)

	// 已占用音效阶段但尚未拿到任务ID：其它实例正在提交，或提交过程中进程退出
	if rec.EffectsTaskID == "" {
		if o.stale(rec) {
			return o.expire(ctx, rec)
		}
		return nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, o.opts.EffectsPollTimeout)
	result, err := o.effects.Poll(pollCtx, rec.EffectsTaskID)
	cancel()
	if err != nil {
		if o.stale(rec) {
			return o.expire(ctx, rec)
		}
		failures := rec.PollFailures + 1
		if failures >= o.opts.EffectsPollFailures {
			log.Warn("音效任务连续查询失败，降级交付克隆结果", zap.Int("failures", failures), zap.Error(err))
			return o.fallback(ctx, rec, rec.CloneResultRef, CauseUnavailable, nil)
		}
		log.Warn("查询音效任务失败，稍后重试", zap.Int("failures", failures), zap.Error(err))
		return o.transition(ctx, rec, Changes{Fields: map[string]any{"poll_failures": failures}})
	}

	switch result.Status {
	case provider.TaskQueued, provider.TaskRunning:
		if !progressed(rec, result) && o.stale(rec) {
			return o.expire(ctx, rec)
		}
		return o.transition(ctx, rec, o.progress(rec, result))

	case provider.TaskError:
		log.Warn("音效任务失败，降级交付克隆结果", zap.String("vendor_error", result.Error))
		return o.fallback(ctx, rec, rec.CloneResultRef, classify(result.Error), nil)

	case provider.TaskDone:
		log.Info("音效处理完成", zap.String("output_ref", result.ResultRef))
		return o.transition(ctx, rec, o.terminal(model.ConversionCompleted, map[string]any{
			"output_ref": result.ResultRef,
			"error":      "",
		}))
	}

	return nil
}

// fallback 音效阶段失败时以克隆结果完成任务，并记录非致命说明
func (o *Orchestrator) fallback(ctx context.Context, rec *model.ConversionRecord, cloneRef, cause string, extra map[string]any) error {
	fields := map[string]any{
		"clone_result_ref": cloneRef,
		"output_ref":       cloneRef,
		"error":            effectsWarning(cause),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return o.transition(ctx, rec, o.terminal(model.ConversionCompleted, fields))
}

// expire 超过时间上限没有进展：克隆阶段判定失败，音效阶段降级交付
func (o *Orchestrator) expire(ctx context.Context, rec *model.ConversionRecord) error {
	log := o.logger.WithJob(rec.ID)

	if rec.Stage == model.StageEffects && rec.CloneResultRef != "" {
		log.Warn("音效任务超时，降级交付克隆结果", zap.Duration("stale_after", o.opts.StaleAfter))
		return o.fallback(ctx, rec, rec.CloneResultRef, CauseTimeout, nil)
	}

	log.Warn("任务超时", zap.Duration("stale_after", o.opts.StaleAfter), zap.Error(ErrStale))
	return o.transition(ctx, rec, o.terminal(model.ConversionFailed, map[string]any{
		"error": staleFailure(o.opts.StaleAfter),
	}))
}

// progress 运行中的轮询结果：进度有变化时刷新进展时间
func (o *Orchestrator) progress(rec *model.ConversionRecord, result *provider.PollResult) Changes {
	fields := map[string]any{"poll_failures": 0}
	if progressed(rec, result) {
		fields["progress"] = *result.Progress
		fields["last_progress_at"] = o.now()
	}
	return Changes{Fields: fields}
}

func (o *Orchestrator) terminal(status model.ConversionStatus, fields map[string]any) Changes {
	now := o.now()
	fields["completed_at"] = &now
	if status == model.ConversionCompleted {
		fields["progress"] = 100
	}
	return Changes{Status: status, Stage: model.StageDone, Fields: fields, Touched: now}
}

func (o *Orchestrator) transition(ctx context.Context, rec *model.ConversionRecord, changes Changes) error {
	if changes.Touched.IsZero() {
		changes.Touched = o.now()
	}
	return o.records.Transition(ctx, rec.ID, GuardOf(rec), changes)
}

// keyedMutex 同一进程内按任务ID串行化推进，跨进程的并发由条件更新兜底
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
