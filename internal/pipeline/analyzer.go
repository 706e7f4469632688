package pipeline

import (
	"context"
	"fmt"
	"strings"

	"AgentPay-Chain/internal/knowledge"
	"AgentPay-Chain/internal/workflow"
)

// Analyzer 把原始业务请求转换为结构化的市场与上下文摘要。
type Analyzer interface {
	Analyze(ctx context.Context, input workflow.Input) (map[string]any, error)
}

const (
	defaultNoteLimit      = 3
	maxContextSummaryRune = 512
)

// LocalAnalyzer 基于静态市场笔记与历史记忆生成摘要，不依赖外部模型。
type LocalAnalyzer struct {
	notes     knowledge.Provider
	noteLimit int
}

// NewLocalAnalyzer 创建本地分析器，notes 可以为空。
func NewLocalAnalyzer(notes knowledge.Provider, noteLimit int) *LocalAnalyzer {
	if noteLimit <= 0 {
		noteLimit = defaultNoteLimit
	}
	return &LocalAnalyzer{notes: notes, noteLimit: noteLimit}
}

// Analyze 实现 Analyzer 接口。
func (a *LocalAnalyzer) Analyze(ctx context.Context, input workflow.Input) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	output := map[string]any{
		"project_id": input.ProjectID,
		"agent_id":   input.AgentID,
		"intent":     input.Intent,
		"amount":     input.Amount.String(),
		"currency":   input.Currency,
		"recipient":  input.Recipient,
	}

	// 汇总市场笔记。
	titles := []string{}
	if a.notes != nil {
		for _, note := range a.notes.Match(input.Intent, a.noteLimit) {
			titles = append(titles, note.Title)
		}
	}
	output["market_notes"] = titles

	// 汇总历史上下文，仅作参考。
	refs := make([]string, 0, len(input.Context))
	contents := make([]string, 0, len(input.Context))
	for _, hit := range input.Context {
		refs = append(refs, hit.ID)
		contents = append(contents, strings.TrimSpace(hit.Content))
	}
	output["context_refs"] = refs
	output["context_summary"] = truncateRunes(strings.Join(contents, "\n"), maxContextSummaryRune)

	summary := fmt.Sprintf("向 %s 支付 %s %s：%s", input.Recipient, input.Amount.String(), input.Currency, input.Intent)
	if len(titles) > 0 {
		summary += fmt.Sprintf("（参考：%s）", strings.Join(titles, "；"))
	}
	output["summary"] = summary
	return output, nil
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

var _ Analyzer = (*LocalAnalyzer)(nil)
