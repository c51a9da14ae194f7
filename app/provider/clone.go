package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"voice-fusion/app/config"
	"voice-fusion/app/logger"

	"resty.dev/v3"
)

// CloneName 声音克隆服务名称
const CloneName = "clone"

type cloneSubmitResponse struct {
	TaskID string `json:"task_id"`
}

type cloneTaskResponse struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Result   *struct {
		AudioURL string `json:"audio_url"`
	} `json:"result"`
	Error *cloneAPIError `json:"error"`
}

type cloneAPIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type cloneErrorBody struct {
	Error cloneAPIError `json:"error"`
}

// CloneClient 声音克隆服务适配器
type CloneClient struct {
	client *resty.Client
	logger *logger.Logger
}

// NewCloneClient 创建声音克隆服务客户端
func NewCloneClient(cfg config.ProviderConfig, log *logger.Logger) *CloneClient {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &CloneClient{
		client: client,
		logger: log,
	}
}

func (c *CloneClient) Name() string {
	return CloneName
}

// Close 释放底层连接
func (c *CloneClient) Close() error {
	return c.client.Close()
}

// Submit 上传音频并创建转换任务
func (c *CloneClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	filename := req.Filename
	if filename == "" {
		filename = "input.wav"
	}

	form := map[string]string{"model_id": req.ModelRef}
	for k, v := range req.Params {
		form[k] = fmt.Sprint(v)
	}

	var result cloneSubmitResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFileReader("audio", filename, bytes.NewReader(req.Audio)).
		SetFormData(form).
		SetResult(&result).
		Post("/v1/conversions")
	if err != nil {
		return "", &Error{Provider: CloneName, Op: "submit", Kind: ErrSubmissionFailed, Err: err}
	}

	if !resp.IsSuccess() {
		return "", &Error{
			Provider: CloneName,
			Op:       "submit",
			Kind:     ErrSubmissionFailed,
			Message:  cloneErrorMessage(resp),
		}
	}

	if result.TaskID == "" {
		return "", &Error{Provider: CloneName, Op: "submit", Kind: ErrSubmissionFailed, Message: "响应中缺少 task_id"}
	}

	return result.TaskID, nil
}

// Poll 查询任务状态
func (c *CloneClient) Poll(ctx context.Context, taskID string) (*PollResult, error) {
	var task cloneTaskResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("taskID", taskID).
		SetResult(&task).
		Get("/v1/conversions/{taskID}")
	if err != nil {
		return nil, &Error{Provider: CloneName, Op: "poll", Kind: ErrTransport, Err: err}
	}

	if resp.StatusCode() == http.StatusNotFound {
		return &PollResult{Status: TaskError, Error: "task not found"}, nil
	}
	if !resp.IsSuccess() {
		return nil, &Error{
			Provider: CloneName,
			Op:       "poll",
			Kind:     ErrTransport,
			Message:  fmt.Sprintf("状态码: %d, %s", resp.StatusCode(), cloneErrorMessage(resp)),
		}
	}

	result := &PollResult{Status: c.mapStatus(taskID, task.Status)}
	switch result.Status {
	case TaskDone:
		if task.Result == nil || task.Result.AudioURL == "" {
			return nil, &Error{Provider: CloneName, Op: "poll", Kind: ErrTransport, Message: "任务已完成但缺少 audio_url"}
		}
		result.ResultRef = task.Result.AudioURL
		result.Progress = percent(100)
	case TaskError:
		result.Error = "unknown error"
		if task.Error != nil && task.Error.Message != "" {
			result.Error = task.Error.Message
		}
	default:
		result.Progress = percent(task.Progress)
	}

	return result, nil
}

// mapStatus 将服务商状态映射为规范状态，未知状态按运行中处理
func (c *CloneClient) mapStatus(taskID, status string) TaskStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "queued", "pending", "waiting":
		return TaskQueued
	case "processing", "running", "converting", "started":
		return TaskRunning
	case "succeeded", "success", "completed":
		return TaskDone
	case "failed", "error", "cancelled", "canceled", "rejected":
		return TaskError
	default:
		c.logger.Warnf("克隆服务返回未知状态 %q，按运行中处理: TaskID=%s", status, taskID)
		return TaskRunning
	}
}

func cloneErrorMessage(resp *resty.Response) string {
	var body cloneErrorBody
	if err := json.Unmarshal([]byte(resp.String()), &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return strings.TrimSpace(resp.String())
}
