package task

import (
	"strings"
	"time"
)

// SortOrder 决定列表结果的排序方式。
type SortOrder int

const (
	// SortNewestFirst 按 UpdatedAt 倒序。
	SortNewestFirst SortOrder = iota
	// SortOldestFirst 按 UpdatedAt 正序，适合补偿扫描。
	SortOldestFirst
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 描述任务列表的过滤条件。
type ListOptions struct {
	Limit         int
	Offset        int
	Statuses      []Status
	AgentID       string
	ProjectID     string
	UpdatedAfter  int64
	UpdatedBefore int64
	Order         SortOrder
	// Query 对 intent、recipient 和 request_id 做不区分大小写的包含匹配。
	Query string
}

func (opts *ListOptions) normalize() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortOldestFirst {
		opts.Order = SortNewestFirst
	}
	opts.AgentID = strings.TrimSpace(opts.AgentID)
	opts.ProjectID = strings.TrimSpace(opts.ProjectID)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数，上限为 100。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条匹配记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 仅返回指定状态的任务。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append([]Status(nil), statuses...)
	}
}

// WithAgent 仅返回指定代理的任务。
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) { opts.AgentID = agentID }
}

// WithProject 仅返回指定项目的任务。
func WithProject(projectID string) ListOption {
	return func(opts *ListOptions) { opts.ProjectID = projectID }
}

// WithUpdatedBetween 按更新时间过滤，零值表示不限制该侧边界。
func WithUpdatedBetween(after, before time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedAfter, opts.UpdatedBefore = 0, 0
		if !after.IsZero() {
			opts.UpdatedAfter = after.Unix()
		}
		if !before.IsZero() {
			opts.UpdatedBefore = before.Unix()
		}
	}
}

// WithSortOrder 修改排序方式。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 设置模糊查询关键字。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

// BuildListOptions 在默认值之上依次应用选项。
func BuildListOptions(opts ...ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.normalize()
	return options
}

func normalizeStatuses(input []Status) []Status {
	var result []Status
	seen := make(map[Status]bool, len(input))
	for _, status := range input {
		if !IsValidStatus(status) || seen[status] {
			continue
		}
		seen[status] = true
		result = append(result, status)
	}
	return result
}

// matches 在内存中执行与 SQL 实现一致的过滤。
func (opts ListOptions) matches(task *Task) bool {
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.AgentID != "" && task.AgentID != opts.AgentID {
		return false
	}
	if opts.ProjectID != "" && task.ProjectID != opts.ProjectID {
		return false
	}
	if opts.UpdatedAfter > 0 && task.UpdatedAt < opts.UpdatedAfter {
		return false
	}
	if opts.UpdatedBefore > 0 && task.UpdatedAt > opts.UpdatedBefore {
		return false
	}
	if opts.Query == "" {
		return true
	}
	needle := strings.ToLower(opts.Query)
	haystack := []string{task.Input.Intent, task.Input.Recipient}
	if task.Result != nil {
		haystack = append(haystack, task.Result.RequestID)
	}
	for _, text := range haystack {
		if strings.Contains(strings.ToLower(text), needle) {
			return true
		}
	}
	return false
}
