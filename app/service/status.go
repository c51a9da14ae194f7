package service

import (
	"context"
	"time"

	"voice-fusion/app/logger"
	"voice-fusion/app/model"

	"github.com/patrickmn/go-cache"
)

// StatusView 对外统一的任务状态
type StatusView struct {
	ID        string                 `json:"id"`
	OwnerID   string                 `json:"owner_id"`
	ModelRef  string                 `json:"model_ref"`
	Status    model.ConversionStatus `json:"status"`
	Stage     model.ConversionStage  `json:"stage"`
	Progress  int                    `json:"progress"`
	OutputRef string                 `json:"output_ref,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Degraded  bool                   `json:"degraded"` // 已完成但音效未生效
	Effects   []model.AudioEffect    `json:"effects"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewStatusView 由任务记录生成对外视图
func NewStatusView(rec *model.ConversionRecord) StatusView {
	view := StatusView{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		ModelRef:  rec.ModelRef,
		Status:    rec.Status,
		Stage:     rec.Stage,
		Progress:  rec.OverallProgress(),
		Error:     rec.Error,
		Degraded:  rec.Status == model.ConversionCompleted && rec.Error != "",
		Effects:   rec.RequestedEffects,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Status == model.ConversionCompleted {
		view.OutputRef = rec.OutputRef
	}
	if view.Effects == nil {
		view.Effects = []model.AudioEffect{}
	}
	return view
}

// StatusAggregator 状态查询。运行中的任务在查询时会顺带推进一次状态机，
// 同一任务两次实时查询之间至少间隔 throttle。
type StatusAggregator struct {
	records  *RecordStore
	advancer Advancer
	logger   *logger.Logger
	throttle *cache.Cache
	interval time.Duration
}

// NewStatusAggregator 创建状态查询服务
func NewStatusAggregator(records *RecordStore, advancer Advancer, log *logger.Logger, throttle time.Duration) *StatusAggregator {
	return &StatusAggregator{
		records:  records,
		advancer: advancer,
		logger:   log,
		throttle: cache.New(throttle, time.Minute),
		interval: throttle,
	}
}

// GetStatus 返回任务状态，必要时实时查询服务商
func (a *StatusAggregator) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	return a.status(ctx, id, "")
}

// GetStatusFor 只返回属于 ownerID 的任务。所有权在实时查询之前校验，
// 其他用户的任务按不存在处理，也不会触发服务商调用。
func (a *StatusAggregator) GetStatusFor(ctx context.Context, id, ownerID string) (*StatusView, error) {
	if ownerID == "" {
		return nil, ErrNotFound
	}
	return a.status(ctx, id, ownerID)
}

func (a *StatusAggregator) status(ctx context.Context, id, ownerID string) (*StatusView, error) {
	rec, err := a.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && rec.OwnerID != ownerID {
		return nil, ErrNotFound
	}

	if rec.Status == model.ConversionRunning && a.claimLivePoll(id) {
		advanced, err := a.advancer.Advance(ctx, id)
		if err != nil {
			// 实时查询失败时返回已持久化的状态
			a.logger.Warnf("查询时推进任务失败: JobID=%s, 错误: %v", id, err)
		} else {
			rec = advanced
		}
	}

	view := NewStatusView(rec)
	return &view, nil
}

// claimLivePoll 同一任务在节流窗口内只允许一次实时查询
func (a *StatusAggregator) claimLivePoll(id string) bool {
	if a.interval <= 0 {
		return true
	}
	return a.throttle.Add(id, struct{}{}, cache.DefaultExpiration) == nil
}

// ListJobs 列出用户的任务（只读持久化状态，不实时查询）
func (a *StatusAggregator) ListJobs(ctx context.Context, ownerID string, page, pageSize int) ([]StatusView, int64, error) {
	records, total, err := a.records.ListByOwner(ctx, ownerID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}

	views := make([]StatusView, 0, len(records))
	for i := range records {
		views = append(views, NewStatusView(&records[i]))
	}
	return views, total, nil
}
