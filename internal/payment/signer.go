package payment

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
)

const CodeInvalidSignature xerrors.Code = "PAYMENT_INVALID_SIGNATURE"

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:  "payment signature rejected",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// KeySigner 使用 secp256k1 私钥按 EIP-191 文本格式对载荷签名。
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner 从十六进制私钥构造签名器，允许带 0x 前缀。
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名私钥失败")
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateKeySigner 生成一次性私钥，仅用于本地开发。
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "生成签名私钥失败")
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address 返回签名地址。
func (s *KeySigner) Address() string {
	return s.address.Hex()
}

// Sign 实现 Signer 接口。
func (s *KeySigner) Sign(payload Payload) (string, error) {
	data, err := payload.Bytes()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码支付载荷失败")
	}
	sig, err := crypto.Sign(accounts.TextHash(data), s.key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名支付载荷失败")
	}
	return hexutil.Encode(sig), nil
}

// Recover 从签名中恢复签名地址。
func Recover(payload Payload, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", xerrors.New(CodeInvalidSignature, "签名格式错误")
	}
	data, err := payload.Bytes()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码支付载荷失败")
	}
	pub, err := crypto.SigToPub(accounts.TextHash(data), sig)
	if err != nil {
		return "", xerrors.Wrap(CodeInvalidSignature, err, "恢复签名公钥失败")
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// Verify 校验签名是否来自期望地址。
func Verify(payload Payload, signature, expected string) error {
	addr, err := Recover(payload, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(addr, expected) {
		return xerrors.New(CodeInvalidSignature, "签名地址不匹配",
			xerrors.WithMetadata("expected", expected),
			xerrors.WithMetadata("actual", addr))
	}
	return nil
}

var _ Signer = (*KeySigner)(nil)
