package compliance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	xerrors "AgentPay-Chain/internal/errors"
)

// Rules 是本地规则引擎的配置。金额超过 MaxAmount 直接判定 FAIL，
// 超过 EscalateAbove 至少判定 ESCALATED。
type Rules struct {
	MaxAmount         *decimal.Decimal `json:"max_amount" yaml:"max_amount"`
	EscalateAbove     *decimal.Decimal `json:"escalate_above" yaml:"escalate_above"`
	BlockedRecipients []string         `json:"blocked_recipients" yaml:"blocked_recipients"`
	HighRiskKeywords  []string         `json:"high_risk_keywords" yaml:"high_risk_keywords"`
	BaseRisk          float64          `json:"base_risk" yaml:"base_risk"`
	KeywordRisk       float64          `json:"keyword_risk" yaml:"keyword_risk"`
	FailThreshold     float64          `json:"fail_threshold" yaml:"fail_threshold"`
	EscalateThreshold float64          `json:"escalate_threshold" yaml:"escalate_threshold"`
}

// DefaultRules 返回保守的默认规则。
func DefaultRules() Rules {
	rules := Rules{}
	rules.applyDefaults()
	return rules
}

func (r *Rules) applyDefaults() {
	if r.BaseRisk <= 0 {
		r.BaseRisk = 0.1
	}
	if r.KeywordRisk <= 0 {
		r.KeywordRisk = 0.4
	}
	if r.FailThreshold <= 0 {
		r.FailThreshold = 0.8
	}
	if r.EscalateThreshold <= 0 {
		r.EscalateThreshold = 0.5
	}
	for i, recipient := range r.BlockedRecipients {
		r.BlockedRecipients[i] = strings.ToLower(strings.TrimSpace(recipient))
	}
	for i, keyword := range r.HighRiskKeywords {
		r.HighRiskKeywords[i] = strings.ToLower(strings.TrimSpace(keyword))
	}
}

// LoadRules 从 YAML 或 JSON 文件加载规则，按扩展名区分格式。
func LoadRules(path string) (Rules, error) {
	var rules Rules
	data, err := os.ReadFile(path)
	if err != nil {
		return rules, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取合规规则失败")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &rules)
	default:
		err = yaml.Unmarshal(data, &rules)
	}
	if err != nil {
		return rules, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析合规规则失败")
	}
	rules.applyDefaults()
	return rules, nil
}
