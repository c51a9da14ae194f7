package model

import (
	"encoding/json"
	"time"
)

// ConversionStage 当前负责任务的外部服务
type ConversionStage string

const (
	StageClone   ConversionStage = "CLONE"   // 声音克隆阶段
	StageEffects ConversionStage = "EFFECTS" // 音效处理阶段
	StageDone    ConversionStage = "DONE"    // 已结束
)

// ConversionStatus 对外可见的粗粒度状态
type ConversionStatus string

const (
	ConversionPending   ConversionStatus = "PENDING"
	ConversionRunning   ConversionStatus = "RUNNING"
	ConversionCompleted ConversionStatus = "COMPLETED"
	ConversionFailed    ConversionStatus = "FAILED"
)

// IsTerminal 是否为终态
func (s ConversionStatus) IsTerminal() bool {
	return s == ConversionCompleted || s == ConversionFailed
}

// Rank 状态只能单调前进，终态之间同级
func (s ConversionStatus) Rank() int {
	switch s {
	case ConversionPending:
		return 0
	case ConversionRunning:
		return 1
	case ConversionCompleted, ConversionFailed:
		return 2
	default:
		return -1
	}
}

// Rank 阶段只能 CLONE -> EFFECTS -> DONE
func (s ConversionStage) Rank() int {
	switch s {
	case StageClone:
		return 0
	case StageEffects:
		return 1
	case StageDone:
		return 2
	default:
		return -1
	}
}

// AudioEffect 可独立开关的音效单元，参数只允许数值、布尔或枚举字符串
type AudioEffect struct {
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Params  map[string]any `json:"params"`
}

// UnmarshalJSON 未给出 enabled 时视为开启
func (e *AudioEffect) UnmarshalJSON(data []byte) error {
	type plain AudioEffect
	v := plain{Enabled: true}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = AudioEffect(v)
	return nil
}

// ConversionRecord 一次声音转换任务
type ConversionRecord struct {
	ID               string           `gorm:"primarykey;size:36" json:"id"`
	OwnerID          string           `gorm:"size:64;not null;index:idx_owner_created,priority:1;comment:提交用户ID" json:"owner_id"`
	ModelRef         string           `gorm:"size:128;not null;comment:声音模型ID" json:"model_ref"`
	Stage            ConversionStage  `gorm:"size:16;not null;default:CLONE" json:"stage"`
	Status           ConversionStatus `gorm:"size:16;not null;default:PENDING;index" json:"status"`
	CloneTaskID      string           `gorm:"size:128;comment:克隆服务任务ID" json:"clone_task_id,omitempty"`
	EffectsTaskID    string           `gorm:"size:128;comment:音效服务任务ID" json:"effects_task_id,omitempty"`
	InputRef         string           `gorm:"type:text;comment:原始上传音频" json:"input_ref"`
	CloneResultRef   string           `gorm:"type:text;comment:克隆阶段原始结果" json:"clone_result_ref,omitempty"`
	IntermediateRef  string           `gorm:"type:text;comment:克隆阶段结果转存地址" json:"intermediate_ref,omitempty"`
	OutputRef        string           `gorm:"type:text;comment:最终结果" json:"output_ref,omitempty"`
	RequestedEffects []AudioEffect    `gorm:"serializer:json;type:text;comment:提交时的音效列表" json:"requested_effects"`
	Progress         int              `gorm:"default:0;comment:当前阶段进度(0-100)" json:"progress"`
	PollFailures     int              `gorm:"default:0;comment:连续轮询失败次数" json:"-"`
	Error            string           `gorm:"type:text;comment:错误或降级说明" json:"error,omitempty"`
	LastProgressAt   time.Time        `gorm:"comment:最后一次有进展的时间" json:"last_progress_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	CreatedAt        time.Time        `gorm:"index:idx_owner_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// TableName 指定表名
func (ConversionRecord) TableName() string {
	return "conversion_records"
}

// HasEffects 是否请求了音效处理
func (r *ConversionRecord) HasEffects() bool {
	return len(r.RequestedEffects) > 0
}

// IsTerminal 任务是否已结束
func (r *ConversionRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// OverallProgress 按阶段加权的整体进度
func (r *ConversionRecord) OverallProgress() int {
	switch {
	case r.Status == ConversionCompleted:
		return 100
	case r.Status != ConversionRunning:
		return 0
	case !r.HasEffects():
		return clampPercent(r.Progress)
	case r.Stage == StageEffects:
		return 50 + clampPercent(r.Progress)/2
	default:
		return clampPercent(r.Progress) / 2
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
