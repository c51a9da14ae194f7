// Package provider 把各家音频服务的任务提交、状态查询和错误格式统一成同一个契约。
// 业务逻辑只依赖这里的规范状态，不感知任何服务商的字段或状态字符串。
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voice-fusion/app/model"
)

// TaskStatus 规范化后的任务状态
type TaskStatus string

const (
	TaskQueued  TaskStatus = "QUEUED"
	TaskRunning TaskStatus = "RUNNING"
	TaskDone    TaskStatus = "DONE"
	TaskError   TaskStatus = "ERROR"
)

var (
	// ErrSubmissionFailed 服务商拒绝或无法接收任务
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrTransport 超时、网络错误或无法解析的响应
	ErrTransport = errors.New("transport failure")
)

// Error 携带服务商原始信息的错误，errors.Is 可匹配 Kind
type Error struct {
	Provider string
	Op       string
	Kind     error
	Message  string // 服务商返回的错误描述，可能为空
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// VendorMessage 提取错误中的服务商描述
func VendorMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return ""
}

// SubmitRequest 提交任务所需的输入，不同服务商使用其中不同的字段
type SubmitRequest struct {
	Audio    []byte // 原始音频（克隆服务）
	Filename string
	AudioRef string // 可公开访问的音频地址（音效服务）
	ModelRef string
	Effects  []model.AudioEffect
	Params   map[string]any
}

// PollResult 单次状态查询结果
type PollResult struct {
	Status    TaskStatus
	Progress  *int
	ResultRef string
	Error     string
}

// Adapter 单个服务商的适配器。Submit 不做重试；
// 服务商明确返回的任务失败通过 PollResult{Status: TaskError} 表达，只有传输层问题才返回 error。
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, taskID string) (*PollResult, error)
}

func percent(v float64) *int {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	p := int(v)
	return &p
}
