package store

import (
	"encoding/json"
	"strconv"
)

// RequiredConfigKeys 租户就绪所需的全部配置键。
var RequiredConfigKeys = []string{"configt", "filter", "template", "description", "reply", "report"}

// ConfigSnapshot 某一时刻的租户配置映射（配置名 → JSON 值）。
//
// 每轮对账重新组装；内容哈希仅在内存中比较，从不落库。
type ConfigSnapshot map[string]json.RawMessage

// Complete 判断必需键是否齐备。
func (c ConfigSnapshot) Complete() bool {
	for _, key := range RequiredConfigKeys {
		if _, ok := c[key]; !ok {
			return false
		}
	}
	return true
}

// MissingKeys 返回缺失的必需键。
func (c ConfigSnapshot) MissingKeys() []string {
	var missing []string
	for _, key := range RequiredConfigKeys {
		if _, ok := c[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

type configT struct {
	TimeDelta  json.RawMessage `json:"time_delta"`
	ItemLimits json.RawMessage `json:"item_limits"`
	Price      struct {
		Mode  string          `json:"mode"`
		Value json.RawMessage `json:"value"`
	} `json:"price"`
	ItemType string `json:"item_type"`
}

func (c ConfigSnapshot) configT() (configT, bool) {
	raw, ok := c["configt"]
	if !ok {
		return configT{}, false
	}
	var parsed configT
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return configT{}, false
	}
	return parsed, true
}

// IntervalSeconds 调度间隔（秒），来自 configt.time_delta。
func (c ConfigSnapshot) IntervalSeconds() int {
	const fallback = 3000
	parsed, ok := c.configT()
	if !ok {
		return fallback
	}
	if v, ok := parseFlexibleInt(parsed.TimeDelta); ok && v > 0 {
		return v
	}
	return fallback
}

// ItemLimits 单轮上架配额。
func (c ConfigSnapshot) ItemLimits() int {
	const fallback = 3000
	parsed, ok := c.configT()
	if !ok {
		return fallback
	}
	if v, ok := parseFlexibleInt(parsed.ItemLimits); ok && v > 0 {
		return v
	}
	return fallback
}

// PriceMode 返回定价模式与固定价：mode 为 "fixed" 时使用 value，否则取商品最低价。
func (c ConfigSnapshot) PriceMode() (mode string, value float64) {
	parsed, ok := c.configT()
	if !ok {
		return "fixed", 0.01
	}
	mode = parsed.Price.Mode
	if mode == "" {
		mode = "fixed"
	}
	value, ok = parseFlexibleFloat(parsed.Price.Value)
	if !ok || value <= 0 {
		value = 0.01
	}
	return mode, value
}

// parseFlexibleFloat 解析可能以字符串形式存储的浮点配置值。
func parseFlexibleFloat(raw json.RawMessage) (float64, bool) {
	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err == nil {
		return asFloat, true
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if v, convErr := strconv.ParseFloat(asString, 64); convErr == nil {
			return v, true
		}
	}
	return 0, false
}

// FilterKeywords 关键词过滤器：是否启用及关键词列表。
func (c ConfigSnapshot) FilterKeywords() (enabled bool, keywords []string) {
	raw, ok := c["filter"]
	if !ok {
		return false, nil
	}
	var parsed struct {
		Enabled  bool     `json:"keywords_filter_enabled"`
		Keywords []string `json:"keywords_filter"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return false, nil
	}
	return parsed.Enabled, parsed.Keywords
}

func (c ConfigSnapshot) templateValue(name string) string {
	raw, ok := c[name]
	if !ok {
		return ""
	}
	var parsed struct {
		Template string `json:"template"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ""
	}
	return parsed.Template
}

// PromptTemplate AI 标题生成的提示词模板。
func (c ConfigSnapshot) PromptTemplate() string {
	return c.templateValue("template")
}

// DescriptionTemplate 上架描述模板。
func (c ConfigSnapshot) DescriptionTemplate() string {
	return c.templateValue("description")
}

// ReplyTemplate 自动回复模板。
func (c ConfigSnapshot) ReplyTemplate() string {
	return c.templateValue("reply")
}

// ReportEmail 运行报告收件地址。
func (c ConfigSnapshot) ReportEmail() string {
	raw, ok := c["report"]
	if !ok {
		return ""
	}
	var parsed struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ""
	}
	return parsed.Email
}

// DefaultConfigValue 返回某个预置配置键的默认 JSON 值；未知键返回 nil。
//
// 首次读取某个预置键时由 API 层按此默认值落库。
func DefaultConfigValue(name string) json.RawMessage {
	switch name {
	case "filter":
		return json.RawMessage(`{"keywords_filter_enabled":false,"keywords_filter":[]}`)
	case "configt":
		return json.RawMessage(`{"time_delta":"3000","item_limits":"3000","price":{"mode":"fixed","value":"1"},"item_type":"家居/服务/跑腿代办/酒店代订"}`)
	case "template":
		value := map[string]string{
			"template": "根据要求和信息，写一句话。\n# 使用短句。\n# 直接回答，不要出现其他话。\n# 先突出价格，向下取整。有多天的价格就把价格算成一天的。\n# 再突出地点。\n# 然后有品牌突出品牌。\n少于20个字\n####信息####\n{title}\n{description}\n{price}元",
		}
		data, _ := json.Marshal(value)
		return data
	case "description":
		return json.RawMessage(`{"template":"{goods_information}"}`)
	case "reply":
		return json.RawMessage(`{"template":""}`)
	case "report":
		return json.RawMessage(`{"email":""}`)
	default:
		return nil
	}
}
