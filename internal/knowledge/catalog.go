// Package knowledge 提供分析阶段引用的市场笔记，按意图关键词匹配。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Note 是一条可被分析阶段引用的市场笔记。
type Note struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// Provider 按意图检索市场笔记。
type Provider interface {
	Match(intent string, limit int) []Note
}

// Catalog 是内存中的静态笔记集合。
type Catalog struct {
	notes []Note
}

// NewCatalog 创建笔记集合。
func NewCatalog(notes []Note) *Catalog {
	return &Catalog{notes: append([]Note(nil), notes...)}
}

// LoadCatalog 从 JSON 或 YAML 文件加载笔记，按扩展名选择解析方式。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("市场笔记文件路径不能为空")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取市场笔记文件失败: %w", err)
	}

	var notes []Note
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &notes)
	default:
		err = json.Unmarshal(data, &notes)
	}
	if err != nil {
		return nil, fmt.Errorf("解析市场笔记文件失败: %w", err)
	}
	return NewCatalog(notes), nil
}

// Match 返回与意图命中最多关键词的笔记，命中数相同时保持原有顺序。
// 关键词命中计 2 分，标签命中计 1 分；零分的笔记不会返回。
func (c *Catalog) Match(intent string, limit int) []Note {
	if c == nil || limit <= 0 {
		return nil
	}
	intent = strings.ToLower(strings.TrimSpace(intent))
	if intent == "" {
		return nil
	}

	type scored struct {
		note  Note
		score int
	}
	hits := make([]scored, 0, len(c.notes))
	for _, note := range c.notes {
		score := 2*countHits(intent, note.Keywords) + countHits(intent, note.Tags)
		if score > 0 {
			hits = append(hits, scored{note: note, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > limit {
		hits = hits[:limit]
	}
	result := make([]Note, 0, len(hits))
	for _, hit := range hits {
		result = append(result, hit.note)
	}
	return result
}

func countHits(text string, terms []string) int {
	count := 0
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(text, term) {
			count++
		}
	}
	return count
}

var _ Provider = (*Catalog)(nil)
