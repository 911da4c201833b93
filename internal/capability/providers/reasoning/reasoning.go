// Package reasoning 通过兼容 Chat Completions 协议的大模型服务提供推理能力。
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"NovaPilot/internal/capability"
	xerrors "NovaPilot/internal/errors"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述调用推理服务所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider 通过 HTTP 调用大模型完成分析类任务。
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New 根据配置创建推理能力提供方。
func New(cfg Config) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供推理服务 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Describe 实现 capability.Provider 接口。
func (p *Provider) Describe() capability.Descriptor {
	return capability.Descriptor{
		Name:        "reasoning",
		Category:    capability.CategoryReasoning,
		Description: "调用大模型对任务输入进行分析与归纳",
		Complexity:  7,
		Latency:     capability.LatencySlow,
		Reliability: 0.85,
	}
}

// Execute 将任务描述与上下文送入大模型, 返回结构化的分析结果。
func (p *Provider) Execute(ctx context.Context, req capability.Request) (*capability.Result, error) {
	payload, err := p.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "构建推理请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "请求推理服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeCapabilityFailure,
			fmt.Sprintf("推理服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "解析推理响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeCapabilityFailure, "推理响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeCapabilityFailure, "推理响应内容为空")
	}

	var structured struct {
		Thought string `json:"thought"`
		Reply   string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		structured.Reply = content
		structured.Thought = ""
	}
	if strings.TrimSpace(structured.Reply) == "" {
		structured.Reply = content
	}

	return &capability.Result{
		Success: true,
		Output: map[string]any{
			"thought": structured.Thought,
			"reply":   structured.Reply,
		},
		Confidence: 0.75,
		Critical:   true,
	}, nil
}

// CheckHealth 通过模型列表接口探测推理服务可用性。
func (p *Provider) CheckHealth(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "构建健康检查请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "推理服务不可达")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return xerrors.New(xerrors.CodeCapabilityFailure,
			fmt.Sprintf("推理服务状态异常: %d", resp.StatusCode))
	}
	return nil
}

func (p *Provider) buildPayload(req capability.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserPrompt(req)},
	}

	body := map[string]any{
		"model":       p.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "序列化推理请求失败")
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are NovaPilot's reasoning engine. " +
	"Always respond with a compact JSON object: {\"thought\": string, \"reply\": string}. " +
	"Summarise the reasoning in \"thought\" and put the actionable answer in \"reply\"."

func buildUserPrompt(req capability.Request) string {
	var builder strings.Builder
	builder.WriteString("## 当前任务\n")
	builder.WriteString(fmt.Sprintf("类型: %s\n", strings.TrimSpace(req.TaskType)))
	builder.WriteString(fmt.Sprintf("描述: %s\n", strings.TrimSpace(req.Description)))

	if context := strings.TrimSpace(req.Param("context")); context != "" {
		builder.WriteString("\n## 上下文\n")
		builder.WriteString(truncate(context))
		builder.WriteString("\n")
	}
	if knowledge := strings.TrimSpace(req.Param("knowledge")); knowledge != "" {
		builder.WriteString("\n## 知识库\n")
		builder.WriteString(truncate(knowledge))
		builder.WriteString("\n")
	}

	builder.WriteString("\n请依据上述信息给出最合理的推理 thought, 以及可直接使用的 reply。")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 400 {
		return string([]rune(text)[:400]) + "..."
	}
	return text
}

var _ capability.Provider = (*Provider)(nil)
