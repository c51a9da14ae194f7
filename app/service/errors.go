package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-fusion/app/provider"
	"voice-fusion/app/storage"
)

var (
	// ErrNotFound 任务不存在
	ErrNotFound = errors.New("任务不存在")
	// ErrConflict 条件更新未命中，记录已被其它轮询推进
	ErrConflict = errors.New("任务状态已变更")
	// ErrStale 超过时间上限没有任何进展
	ErrStale = errors.New("任务长时间无进展")
)

// ValidationError 请求本身不合法，提交时同步返回，不会创建任务
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// 对外展示的失败原因分类，服务商原始报文只写日志
const (
	CauseQuota       = "quota exceeded"
	CauseModel       = "model unavailable"
	CauseInvalidData = "invalid audio"
	CauseRejected    = "content rejected"
	CauseUnavailable = "provider unavailable"
	CauseTimeout     = "timed out"
	CauseHandoff     = "intermediate result unavailable"
	CauseStorage     = "asset store unavailable"
	CauseUnknown     = "provider error"
)

var causeKeywords = []struct {
	cause    string
	keywords []string
}{
	{CauseQuota, []string{"quota", "rate limit", "too many requests", "insufficient credit", "insufficient balance", "limit exceeded"}},
	{CauseModel, []string{"model not found", "unknown model", "model unavailable", "voice not found", "no such model"}},
	{CauseInvalidData, []string{"unsupported", "invalid audio", "corrupt", "decode", "format", "sample rate", "too short", "too long", "duration"}},
	{CauseRejected, []string{"policy", "moderation", "copyright", "content"}},
	{CauseTimeout, []string{"timeout", "timed out", "deadline"}},
	{CauseUnavailable, []string{"unavailable", "overloaded", "connection", "not found", "busy"}},
}

// classify 将服务商错误描述归类
func classify(message string) string {
	m := strings.ToLower(message)
	if strings.TrimSpace(m) == "" {
		return CauseUnknown
	}
	for _, c := range causeKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(m, kw) {
				return c.cause
			}
		}
	}
	return CauseUnknown
}

// classifyErr 将适配器或转存返回的 error 归类
func classifyErr(err error) string {
	switch {
	case errors.Is(err, storage.ErrFetchFailed):
		return CauseHandoff
	case errors.Is(err, storage.ErrStoreFailed):
		return CauseStorage
	}
	if msg := provider.VendorMessage(err); msg != "" {
		return classify(msg)
	}
	// 没有服务商描述说明请求根本没有送达
	return CauseUnavailable
}

func cloneSubmitFailure(cause string) string {
	return "voice clone submission failed: " + cause
}

func cloneFailure(cause string) string {
	return "voice clone failed: " + cause
}

func staleFailure(after time.Duration) string {
	return fmt.Sprintf("voice clone %s: no progress for %s", CauseTimeout, after)
}

// effectsWarning 音效阶段失败时的非致命说明
func effectsWarning(cause string) string {
	return fmt.Sprintf("effects not applied (%s); delivered the unprocessed voice clone result", cause)
}
