package auth

import (
	"context"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// 认证相关错误码。
const (
	CodeUnauthenticated xerrors.Code = "AUTH_UNAUTHENTICATED"
	CodeForbidden       xerrors.Code = "AUTH_FORBIDDEN"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{Message: "unauthenticated", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeForbidden, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning})
}

var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "缺少 Bearer 凭证")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "凭证无效")
	ErrSubjectRevoked   = xerrors.New(CodeForbidden, "凭证已停用")
	ErrPermissionDenied = xerrors.New(CodeForbidden, "权限不足")
)

// 内置权限。
const (
	PermissionExecute = "payments:execute"
	PermissionRead    = "payments:read"
)

// Mode 表示认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "apikey"
)

// Config 配置认证服务。
type Config struct {
	Mode Mode        `json:"mode" yaml:"mode"`
	Keys []KeyConfig `json:"keys" yaml:"keys"`
}

// KeyConfig 描述一把 API Key。Hash 由 HashSecret 生成，明文密钥不落盘。
// AgentIDs 为可代表的代理身份，"*" 表示任意代理。
type KeyConfig struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Hash        string   `json:"hash" yaml:"hash"`
	AgentIDs    []string `json:"agent_ids" yaml:"agent_ids"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Disabled    bool     `json:"disabled" yaml:"disabled"`
}

// Store 按 Key ID 查找凭证，实现需并发安全。
type Store interface {
	FindKey(ctx context.Context, id string) (*KeyConfig, error)
}

// Subject 是通过认证的调用方。
type Subject struct {
	KeyID       string
	Name        string
	AgentIDs    []string
	Permissions []string
	Disabled    bool
}

func subjectFromKey(key *KeyConfig) *Subject {
	return &Subject{
		KeyID:       key.ID,
		Name:        key.Name,
		AgentIDs:    append([]string(nil), key.AgentIDs...),
		Permissions: append([]string(nil), key.Permissions...),
		Disabled:    key.Disabled,
	}
}

// HasPermission 判断是否具备指定权限，比较时忽略大小写。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	permission = strings.ToLower(strings.TrimSpace(permission))
	for _, perm := range s.Permissions {
		if strings.ToLower(strings.TrimSpace(perm)) == permission {
			return true
		}
	}
	return false
}

// Authorize 要求主体具备全部权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodeForbidden, ErrPermissionDenied, "缺少权限 "+perm)
		}
	}
	return nil
}

// ActsFor 判断主体能否以指定代理身份发起付款。
func (s *Subject) ActsFor(agentID string) bool {
	if s == nil {
		return false
	}
	for _, id := range s.AgentIDs {
		if id == "*" || id == agentID {
			return true
		}
	}
	return false
}
