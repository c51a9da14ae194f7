package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"voice-fusion/app/logger"
	"voice-fusion/app/model"

	"github.com/robfig/cron/v3"
)

// Advancer 推进单个任务的状态机
type Advancer interface {
	Advance(ctx context.Context, id string) (*model.ConversionRecord, error)
}

// ActiveLister 列出未结束的任务
type ActiveLister interface {
	ListActive(ctx context.Context) ([]model.ConversionRecord, error)
}

// PollSupervisor 为每个进行中的任务维护一个轮询协程，任务结束后协程自动退出。
// 定时巡检负责服务重启后的恢复以及未拿到任务ID的任务的超时处理。
type PollSupervisor struct {
	advancer  Advancer
	records   ActiveLister
	logger    *logger.Logger
	interval  time.Duration
	sweepSpec string

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// NewPollSupervisor 创建轮询管理器
func NewPollSupervisor(advancer Advancer, records ActiveLister, log *logger.Logger, interval time.Duration, sweepSpec string) *PollSupervisor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if sweepSpec == "" {
		sweepSpec = "@every 1m"
	}
	return &PollSupervisor{
		advancer:  advancer,
		records:   records,
		logger:    log,
		interval:  interval,
		sweepSpec: sweepSpec,
		active:    make(map[string]context.CancelFunc),
	}
}

// Start 启动巡检并立即恢复所有进行中的任务
func (s *PollSupervisor) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.sweepSpec, s.Sweep); err != nil {
		s.cancel()
		s.mu.Unlock()
		return err
	}
	s.running = true
	s.cron.Start()
	s.mu.Unlock()

	s.logger.Infof("任务轮询服务已启动，轮询间隔: %v，巡检: %s", s.interval, s.sweepSpec)
	s.Sweep()
	return nil
}

// Stop 停止巡检并取消所有轮询协程，等待它们退出
func (s *PollSupervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cronCtx := s.cron.Stop()
	s.cancel()
	s.mu.Unlock()

	<-cronCtx.Done()
	s.wg.Wait()
	s.logger.Info("任务轮询服务已停止")
}

// Watch 为任务启动轮询协程，已在轮询或服务未运行时返回 false
func (s *PollSupervisor) Watch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	if _, ok := s.active[id]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.active[id] = cancel
	s.wg.Add(1)
	go s.loop(ctx, id)
	return true
}

// Active 任务当前是否有轮询协程
func (s *PollSupervisor) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// ActiveCount 当前轮询协程数量
func (s *PollSupervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *PollSupervisor) loop(ctx context.Context, id string) {
	defer s.wg.Done()
	defer s.release(id)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := s.advancer.Advance(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					s.logger.Warnf("轮询的任务不存在，停止轮询: JobID=%s", id)
					return
				}
				if ctx.Err() != nil {
					return
				}
				s.logger.Errorf("推进任务失败: JobID=%s, 错误: %v", id, err)
				continue
			}
			if rec.IsTerminal() {
				s.logger.Debugf("任务已结束，停止轮询: JobID=%s, 状态: %s", id, rec.Status)
				return
			}
		}
	}
}

func (s *PollSupervisor) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[id]; ok {
		cancel()
		delete(s.active, id)
	}
}

// Sweep 巡检所有未结束的任务：运行中的补上轮询协程，
// 尚未提交成功的任务只做一次推进（超时检查），不会为其启动轮询。
func (s *PollSupervisor) Sweep() {
	s.mu.Lock()
	ctx := s.ctx
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	records, err := s.records.ListActive(ctx)
	if err != nil {
		s.logger.Errorf("巡检任务失败: %v", err)
		return
	}

	recovered := 0
	for _, rec := range records {
		switch rec.Status {
		case model.ConversionRunning:
			if s.Watch(rec.ID) {
				recovered++
			}
		case model.ConversionPending:
			if _, err := s.advancer.Advance(ctx, rec.ID); err != nil && ctx.Err() == nil {
				s.logger.Errorf("检查待提交任务失败: JobID=%s, 错误: %v", rec.ID, err)
			}
		}
	}

	if recovered > 0 {
		s.logger.Infof("巡检恢复了 %d 个任务的轮询", recovered)
	}
}
