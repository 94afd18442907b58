package model

import (
	"encoding/json"
	"time"
)

// Tenant 表示一个租户（一套平台凭证驱动的独立自动化实例）。
//
// Token 是由上传的 cookie 文件内容计算出的不透明标识。
// 凭证过期后仅标记 Expired，不删除记录，等待重新上传 cookie 刷新。
type Tenant struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 首次登录时间
	UpdatedAt time.Time // 更新时间

	Token          string `gorm:"type:varchar(64);uniqueIndex;not null"` // 租户令牌
	GoofishCookies string `gorm:"type:mediumtext"`                       // 闲鱼 cookie 快照 (JSON)
	CtripCookies   string `gorm:"type:mediumtext"`                       // 携程 cookie 快照 (JSON)
	AgisoToken     string `gorm:"type:text"`                             // 上架工具的 Bearer 令牌
	AllianceID     string `gorm:"type:varchar(32)"`                      // 该租户的携程联盟 ID
	SID            string `gorm:"column:sid;type:varchar(32)"`           // 该租户的推广站点 ID
	Expired        bool   `gorm:"default:false"`                         // 登录态是否已失效
}

// ConfigEntry 租户的一项命名配置，Value 为任意 JSON。
type ConfigEntry struct {
	ID        uint      `gorm:"primaryKey"`
	UpdatedAt time.Time

	Token string `gorm:"type:varchar(64);uniqueIndex:idx_cfg_token_name;not null"` // 所属租户
	Name  string `gorm:"type:varchar(64);uniqueIndex:idx_cfg_token_name;not null"` // 配置名
	Value string `gorm:"type:mediumtext"`                                          // 配置值 (JSON)
}

// RawProduct 抓取到的源平台商品，按源商品 ID 幂等 upsert。
type RawProduct struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 首次抓取时间
	UpdatedAt time.Time

	Token       string  `gorm:"type:varchar(64);uniqueIndex:idx_raw_token_product;not null"`
	ProductID   string  `gorm:"type:varchar(64);uniqueIndex:idx_raw_token_product;not null"` // 源平台商品 ID
	Name        string  // 商品名 (productName)
	SubName     string  `gorm:"index"` // 子品名，合并分组键
	Price       float64 // 售价
	Images      string  `gorm:"type:mediumtext"` // 图片 URL 列表 (JSON)
	ShortURL    string  // 带联盟参数的短链接
	SkipURL     string  // 原始跳转链接
	Copywriter  string  `gorm:"type:mediumtext"` // 文案
	EndSaleDesc string  // 截止售卖时间描述
}

// MergedItem 合并后的规范转售商品。
//
// ProductID 是组内所有源商品 ID 排序后拼接的 md5，与输入顺序无关，
// 因此同一组数据重复合并总是命中同一条记录。
type MergedItem struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Token       string  `gorm:"type:varchar(64);uniqueIndex:idx_item_token_product;not null"`
	ProductID   string  `gorm:"type:varchar(64);uniqueIndex:idx_item_token_product;not null"` // 规范 ID (md5)
	OriginalIDs string  `gorm:"type:text"`                                                    // 贡献的源商品 ID 列表 (JSON, 已排序)
	Title       string  // AI 生成的标题
	SubName     string  // 分组键
	Price       float64 // 组内最低价
	Images      string  `gorm:"type:mediumtext"` // 首个商品的图片文件名列表 (JSON)
	ShortURLs   string  `gorm:"type:mediumtext"` // (短链, 描述) 列表 (JSON)
	Copywriter  string  `gorm:"type:mediumtext"` // 清洗后的文案
	EndSaleDate string  // 截止售卖日期 (yyyy-mm-dd)
	ListingID   string  // 上架后市场侧回填的 goodsId
}

// ShortURL 是 MergedItem.ShortURLs 中的单项。
type ShortURL struct {
	ShortURL    string `json:"shortUrl"`
	Description string `json:"description"`
}

// ChatMessage 会话消息，按 (会话, 消息) 去重持久化。
type ChatMessage struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	Token     string `gorm:"type:varchar(64);index;not null"`
	SessionID string `gorm:"type:varchar(128);uniqueIndex:idx_chat_session_message;not null"`
	MessageID string `gorm:"type:varchar(128);uniqueIndex:idx_chat_session_message;not null"`
	SenderID  string `gorm:"type:varchar(64);index"`
	IsMine    bool   // 是否本方发送
	Timestamp int64  `gorm:"index"` // 消息时间戳（毫秒）
	Content   string `gorm:"type:mediumtext"`
}

// DecodeList 解码 JSON 字符串列表字段，失败或为空时返回 nil。
func DecodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// EncodeList 编码字符串列表为 JSON 字段值。
func EncodeList(list []string) string {
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodeShortURLs 解码 MergedItem.ShortURLs。
func DecodeShortURLs(raw string) []ShortURL {
	if raw == "" {
		return nil
	}
	var out []ShortURL
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// EncodeShortURLs 编码 (短链, 描述) 列表。
func EncodeShortURLs(list []ShortURL) string {
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}
