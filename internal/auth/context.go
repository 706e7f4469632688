package auth

import "context"

type subjectKey struct{}

// WithSubject 将已认证的主体写入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出已认证的主体，未启用认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// CheckAgent 校验上下文中的主体能否代表 agentID。上下文没有主体时视为未启用认证。
func CheckAgent(ctx context.Context, agentID string) error {
	subject := SubjectFromContext(ctx)
	if subject == nil || subject.ActsFor(agentID) {
		return nil
	}
	return ErrPermissionDenied
}
