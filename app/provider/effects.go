package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"voice-fusion/app/config"
	"voice-fusion/app/logger"

	"resty.dev/v3"
)

// EffectsName 音效服务名称
const EffectsName = "effects"

type effectsChainItem struct {
	Effect   string         `json:"effect"`
	Settings map[string]any `json:"settings"`
}

type effectsJobRequest struct {
	InputURL string             `json:"input_url"`
	Chain    []effectsChainItem `json:"chain"`
	Options  map[string]any     `json:"options,omitempty"`
}

type effectsJob struct {
	ID      string  `json:"id"`
	State   string  `json:"state"`
	Percent float64 `json:"percent"`
	Output  *struct {
		URL string `json:"url"`
	} `json:"output"`
	Failure *struct {
		Reason string `json:"reason"`
	} `json:"failure"`
}

type effectsJobEnvelope struct {
	Job effectsJob `json:"job"`
}

type effectsErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EffectsClient 音效处理服务适配器
type EffectsClient struct {
	client *resty.Client
	logger *logger.Logger
}

// NewEffectsClient 创建音效服务客户端
func NewEffectsClient(cfg config.ProviderConfig, log *logger.Logger) *EffectsClient {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	return &EffectsClient{
		client: client,
		logger: log,
	}
}

func (c *EffectsClient) Name() string {
	return EffectsName
}

// Close 释放底层连接
func (c *EffectsClient) Close() error {
	return c.client.Close()
}

// Submit 以音频地址和音效链创建处理任务
func (c *EffectsClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.AudioRef == "" {
		return "", &Error{Provider: EffectsName, Op: "submit", Kind: ErrSubmissionFailed, Message: "缺少输入音频地址"}
	}

	body := effectsJobRequest{
		InputURL: req.AudioRef,
		Chain:    make([]effectsChainItem, 0, len(req.Effects)),
		Options:  req.Params,
	}
	for _, effect := range req.Effects {
		body.Chain = append(body.Chain, effectsChainItem{Effect: effect.Name, Settings: effect.Params})
	}

	var envelope effectsJobEnvelope
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&envelope).
		Post("/api/v2/jobs")
	if err != nil {
		return "", &Error{Provider: EffectsName, Op: "submit", Kind: ErrSubmissionFailed, Err: err}
	}

	if !resp.IsSuccess() {
		return "", &Error{
			Provider: EffectsName,
			Op:       "submit",
			Kind:     ErrSubmissionFailed,
			Message:  effectsErrorMessage(resp),
		}
	}

	if envelope.Job.ID == "" {
		return "", &Error{Provider: EffectsName, Op: "submit", Kind: ErrSubmissionFailed, Message: "响应中缺少 job.id"}
	}

	return envelope.Job.ID, nil
}

// Poll 查询处理任务状态
func (c *EffectsClient) Poll(ctx context.Context, taskID string) (*PollResult, error) {
	var envelope effectsJobEnvelope
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("jobID", taskID).
		SetResult(&envelope).
		Get("/api/v2/jobs/{jobID}")
	if err != nil {
		return nil, &Error{Provider: EffectsName, Op: "poll", Kind: ErrTransport, Err: err}
	}

	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusGone {
		return &PollResult{Status: TaskError, Error: "job not found"}, nil
	}
	if !resp.IsSuccess() {
		return nil, &Error{
			Provider: EffectsName,
			Op:       "poll",
			Kind:     ErrTransport,
			Message:  fmt.Sprintf("状态码: %d, %s", resp.StatusCode(), effectsErrorMessage(resp)),
		}
	}

	job := envelope.Job
	result := &PollResult{Status: c.mapState(taskID, job.State)}
	switch result.Status {
	case TaskDone:
		if job.Output == nil || job.Output.URL == "" {
			return nil, &Error{Provider: EffectsName, Op: "poll", Kind: ErrTransport, Message: "任务已完成但缺少 output.url"}
		}
		result.ResultRef = job.Output.URL
		result.Progress = percent(100)
	case TaskError:
		result.Error = "processing failed"
		if job.Failure != nil && job.Failure.Reason != "" {
			result.Error = job.Failure.Reason
		}
	default:
		result.Progress = percent(job.Percent)
	}

	return result, nil
}

// mapState 将音效服务的任务状态映射为规范状态，未知状态按运行中处理
func (c *EffectsClient) mapState(taskID, state string) TaskStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "submitted", "waiting", "queued", "pending":
		return TaskQueued
	case "in_progress", "rendering", "processing":
		return TaskRunning
	case "complete", "completed", "finished":
		return TaskDone
	case "error", "failed", "aborted", "timeout":
		return TaskError
	default:
		c.logger.Warnf("音效服务返回未知状态 %q，按运行中处理: JobID=%s", state, taskID)
		return TaskRunning
	}
}

func effectsErrorMessage(resp *resty.Response) string {
	var body effectsErrorBody
	if err := json.Unmarshal([]byte(resp.String()), &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(resp.String())
}
