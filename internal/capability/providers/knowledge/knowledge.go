// Package knowledge 提供基于静态知识库的检索能力。
package knowledge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"NovaPilot/internal/capability"
	xerrors "NovaPilot/internal/errors"
)

// Snippet 描述一段可供任务引用的知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// Provider 通过加载 JSON 文件提供静态知识检索能力。
type Provider struct {
	items      []Snippet
	maxResults int
}

// New 创建静态知识库实例。
func New(items []Snippet, maxResults int) *Provider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &Provider{
		items:      items,
		maxResults: maxResults,
	}
}

// Load 从 JSON 文件加载知识条目。
func Load(path string, maxResults int) (*Provider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析知识库路径失败")
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取知识库文件失败")
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析知识库文件失败")
	}

	return New(entries, maxResults), nil
}

// Describe 实现 capability.Provider 接口。
func (p *Provider) Describe() capability.Descriptor {
	return capability.Descriptor{
		Name:        "knowledge_base",
		Category:    capability.CategoryKnowledge,
		Description: "在本地知识库中按关键字检索相关条目",
		Complexity:  2,
		Latency:     capability.LatencyFast,
		Reliability: 0.95,
	}
}

// Execute 根据任务描述进行关键字匹配检索。
func (p *Provider) Execute(_ context.Context, req capability.Request) (*capability.Result, error) {
	query := strings.ToLower(strings.TrimSpace(req.Description))
	if extra := strings.TrimSpace(req.Param("query")); extra != "" {
		query = query + " " + strings.ToLower(extra)
	}

	matched := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, query) {
			matched = append(matched, item)
			if len(matched) >= p.maxResults {
				break
			}
		}
	}

	confidence := 0.4
	if len(matched) > 0 {
		confidence = 0.8
	}
	return &capability.Result{
		Success: true,
		Output: map[string]any{
			"snippets": matched,
			"count":    len(matched),
		},
		Confidence: confidence,
	}, nil
}

// CheckHealth 实现 capability.Provider 接口。静态库始终可用。
func (p *Provider) CheckHealth(context.Context) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "知识库未初始化")
	}
	return nil
}

func matches(snippet Snippet, query string) bool {
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) {
			return true
		}
	}
	for _, tag := range snippet.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) {
			return true
		}
	}
	return false
}

var _ capability.Provider = (*Provider)(nil)
