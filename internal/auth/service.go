package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

const secretSaltBytes = 16

// Service 校验请求携带的 API Key。凭证格式为 "<id>.<secret>"。
type Service struct {
	mode  Mode
	store Store
	audit *slog.Logger
}

// NewService 构造认证服务。apikey 模式下未传入 store 时使用配置中的 Keys。
func NewService(cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, store: store, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
		if svc.store == nil {
			memory, err := NewMemoryStore(cfg.Keys)
			if err != nil {
				return nil, err
			}
			svc.store = memory
		}
		return svc, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的认证模式: "+string(cfg.Mode))
	}
}

// Mode 返回当前认证方式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 判断是否需要认证。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并返回主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return nil, ErrInvalidToken
	}

	key, err := s.store.FindKey(ctx, id)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return nil, ErrInvalidToken
		}
		return nil, xerrors.Classify(err, "查询 API Key 失败")
	}
	if !verifySecret(key.Hash, secret) {
		return nil, ErrInvalidToken
	}
	if key.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subjectFromKey(key), nil
}

// GenerateKey 生成新的凭证，返回给调用方的明文 token 与需要写入配置的哈希。
func GenerateKey(id string) (token, hash string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(raw)
	hash, err = HashSecret(secret)
	if err != nil {
		return "", "", err
	}
	return id + "." + secret, hash, nil
}

// HashSecret 对密钥加盐哈希，输出 "salt:digest"。
func HashSecret(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("secret cannot be empty")
	}
	salt := make([]byte, secretSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(secret)...))
	return base64.RawStdEncoding.EncodeToString(salt) + ":" + base64.RawStdEncoding.EncodeToString(digest[:]), nil
}

func verifySecret(hashed, secret string) bool {
	saltPart, digestPart, ok := strings.Cut(hashed, ":")
	if !ok {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(saltPart)
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(digestPart)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(append(salt, []byte(secret)...))
	return subtle.ConstantTimeCompare(expected, digest[:]) == 1
}
