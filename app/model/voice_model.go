package model

import "time"

// VoiceModel 声音模型元数据，由训练流程维护，这里只读
type VoiceModel struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	ModelRef    string    `gorm:"size:128;uniqueIndex;not null;comment:服务商模型ID" json:"model_ref"`
	Name        string    `gorm:"size:100;not null" json:"name"`
	Gender      string    `gorm:"size:16;comment:male,female,neutral" json:"gender"`
	Language    string    `gorm:"size:16;index" json:"language"`
	IsCustom    bool      `gorm:"default:false;comment:是否用户自训练模型" json:"is_custom"`
	OwnerID     string    `gorm:"size:64;index;comment:自训练模型所属用户" json:"owner_id,omitempty"`
	Description string    `gorm:"size:200" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (VoiceModel) TableName() string {
	return "voice_models"
}

// VisibleTo 预置模型对所有人可见，自训练模型只对所属用户可见
func (m *VoiceModel) VisibleTo(ownerID string) bool {
	return !m.IsCustom || m.OwnerID == ownerID
}
