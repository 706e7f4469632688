package auth

import (
	"log/slog"
	"net/http"

	xerrors "AgentPay-Chain/internal/errors"
)

// MiddlewareConfig 配置认证中间件。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法声明所需权限，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// Public 中的路径不做认证。
	Public map[string]bool
	// WriteError 输出认证失败响应，为空时使用 http.Error。
	WriteError func(w http.ResponseWriter, err error)
}

// DefaultPermissions 读接口需要 read，其余方法需要 execute。
func DefaultPermissions() map[string][]string {
	return map[string][]string{
		http.MethodGet: {PermissionRead},
		"*":            {PermissionExecute},
	}
}

// Middleware 认证并授权请求，成功后把主体写入上下文。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	writeErr := cfg.WriteError
	if writeErr == nil {
		writeErr = func(w http.ResponseWriter, err error) {
			status := http.StatusUnauthorized
			if xerrors.CodeOf(err) == CodeForbidden {
				status = http.StatusForbidden
			}
			http.Error(w, http.StatusText(status), status)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() || cfg.Public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				perms := cfg.RequiredPermissions[r.Method]
				if len(perms) == 0 {
					perms = cfg.RequiredPermissions["*"]
				}
				err = subject.Authorize(perms...)
			}
			if err != nil {
				attrs := []any{
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("error", err.Error()),
				}
				if subject != nil {
					attrs = append(attrs, slog.String("key_id", subject.KeyID))
				}
				s.audit.Warn("access_denied", attrs...)
				writeErr(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
