package payment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/pkg/logger"
)

// LedgerGateway 校验签名后把支付请求记入账本，作为本地支付网关。
type LedgerGateway struct {
	ledger  ledger.Writer
	trusted []string
	status  ledger.Status
	now     func() time.Time
	logger  *slog.Logger
}

// GatewayOption 定义 LedgerGateway 的可选配置。
type GatewayOption func(*LedgerGateway)

// WithInitialStatus 指定新交易的记账状态，默认为 confirmed。
func WithInitialStatus(status ledger.Status) GatewayOption {
	return func(g *LedgerGateway) {
		if status != "" {
			g.status = status
		}
	}
}

// WithGatewayClock 替换时间来源。
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *LedgerGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewLedgerGateway 构造网关；trusted 为允许的签名地址。
func NewLedgerGateway(writer ledger.Writer, trusted []string, opts ...GatewayOption) *LedgerGateway {
	g := &LedgerGateway{
		ledger:  writer,
		trusted: trusted,
		status:  ledger.StatusConfirmed,
		now:     time.Now,
		logger:  logger.Named("payment"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Submit 实现 Gate 接口。
func (g *LedgerGateway) Submit(ctx context.Context, req SubmitRequest) (Receipt, error) {
	if g.ledger == nil {
		return Receipt{}, xerrors.New(xerrors.CodeInitializationFailure, "支付网关未配置账本")
	}
	if req.Payload.RunID != req.RunID || req.Payload.AgentID != req.AgentID {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "支付载荷与请求身份不一致")
	}
	if err := g.verify(req); err != nil {
		return Receipt{}, err
	}

	requestID := uuid.NewString()
	tx := ledger.Transaction{
		ID:        requestID,
		AgentID:   req.AgentID,
		ProjectID: req.Payload.ProjectID,
		RunID:     req.RunID,
		RequestID: requestID,
		Amount:    req.Payload.Amount,
		Currency:  req.Payload.Currency,
		Recipient: req.Payload.Recipient,
		Status:    g.status,
		CreatedAt: g.now().UTC(),
	}
	if err := g.ledger.Append(ctx, tx); err != nil {
		return Receipt{}, xerrors.Classify(err, "记录支付请求失败")
	}
	g.logger.Info("支付请求已受理",
		slog.String("request_id", requestID),
		slog.String("run_id", req.RunID),
		slog.String("amount", req.Payload.Amount),
		slog.String("recipient", req.Payload.Recipient),
	)
	return Receipt{RequestID: requestID, Status: string(g.status)}, nil
}

func (g *LedgerGateway) verify(req SubmitRequest) error {
	if len(g.trusted) == 0 {
		return nil
	}
	addr, err := Recover(req.Payload, req.Signature)
	if err != nil {
		return err
	}
	for _, trusted := range g.trusted {
		if trusted != "" && strings.EqualFold(addr, trusted) {
			return nil
		}
	}
	return xerrors.New(CodeInvalidSignature, "签名地址不受信任", xerrors.WithMetadata("signer", addr))
}

var _ Gate = (*LedgerGateway)(nil)
