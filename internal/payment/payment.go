// Package payment 负责对支付请求签名并提交给支付网关。
package payment

import (
	"context"
	"encoding/json"
)

// Payload 是被签名的支付请求内容。字段顺序固定，保证 JSON 编码稳定。
type Payload struct {
	RunID         string `json:"run_id"`
	TaskID        string `json:"task_id,omitempty"`
	ProjectID     string `json:"project_id"`
	AgentID       string `json:"agent_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Recipient     string `json:"recipient"`
	ComplianceRef string `json:"compliance_ref"`
	Nonce         string `json:"nonce"`
	IssuedAt      int64  `json:"issued_at"`
}

// Bytes 返回用于签名的规范化编码。
func (p Payload) Bytes() ([]byte, error) {
	return json.Marshal(p)
}

// SubmitRequest 是提交到支付网关的已签名请求。
type SubmitRequest struct {
	AgentID   string
	TaskID    string
	RunID     string
	Payload   Payload
	Signature string
}

// Receipt 是支付网关的受理结果。
type Receipt struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Gate 是流水线依赖的支付网关。
type Gate interface {
	Submit(ctx context.Context, req SubmitRequest) (Receipt, error)
}

// Signer 对支付载荷签名。
type Signer interface {
	Address() string
	Sign(payload Payload) (string, error)
}
