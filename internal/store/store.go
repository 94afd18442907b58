package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Driftcell/goofish-v2/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound 查询目标不存在。
var ErrNotFound = errors.New("store: not found")

// Store 封装所有集合的持久化操作。
type Store struct {
	db *gorm.DB
}

// Open 连接 MySQL 并迁移表结构。
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return New(db)
}

// New 基于既有连接创建 Store（测试使用 sqlite 注入）。
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&model.Tenant{},
		&model.ConfigEntry{},
		&model.RawProduct{},
		&model.MergedItem{},
		&model.ChatMessage{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB 暴露底层连接，仅供 main 做关闭处理。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ---- Tenant ----

// UpsertTenant 创建或刷新租户凭证，同时清除过期标记。
func (s *Store) UpsertTenant(ctx context.Context, token, goofishCookies, ctripCookies string) error {
	tenant := model.Tenant{
		Token:          token,
		GoofishCookies: goofishCookies,
		CtripCookies:   ctripCookies,
		Expired:        false,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"goofish_cookies", "ctrip_cookies", "expired"}),
	}).Create(&tenant).Error
}

// GetTenant 按令牌查询租户。
func (s *Store) GetTenant(ctx context.Context, token string) (*model.Tenant, error) {
	var tenant model.Tenant
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&tenant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

// SetTenantAgisoToken 更新租户的上架工具令牌。
func (s *Store) SetTenantAgisoToken(ctx context.Context, token, agisoToken string) error {
	return s.db.WithContext(ctx).Model(&model.Tenant{}).
		Where("token = ?", token).
		Update("agiso_token", agisoToken).Error
}

// SetTenantAllianceParams 更新租户的携程联盟推广参数。
func (s *Store) SetTenantAllianceParams(ctx context.Context, token, allianceID, sid string) error {
	return s.db.WithContext(ctx).Model(&model.Tenant{}).
		Where("token = ?", token).
		Updates(map[string]any{"alliance_id": allianceID, "sid": sid}).Error
}

// MarkTenantExpired 标记租户登录态失效。
func (s *Store) MarkTenantExpired(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Model(&model.Tenant{}).
		Where("token = ?", token).
		Update("expired", true).Error
}

// ListActiveTenants 返回所有未过期租户。
func (s *Store) ListActiveTenants(ctx context.Context) ([]model.Tenant, error) {
	var tenants []model.Tenant
	if err := s.db.WithContext(ctx).Where("expired = ?", false).Find(&tenants).Error; err != nil {
		return nil, err
	}
	return tenants, nil
}

// ---- Config ----

// GetConfig 读取一项配置的 JSON 值；不存在返回 ErrNotFound。
func (s *Store) GetConfig(ctx context.Context, token, name string) (json.RawMessage, error) {
	var entry model.ConfigEntry
	if err := s.db.WithContext(ctx).Where("token = ? AND name = ?", token, name).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return json.RawMessage(entry.Value), nil
}

// SetConfig 写入一项配置（upsert）。
func (s *Store) SetConfig(ctx context.Context, token, name string, value json.RawMessage) error {
	entry := model.ConfigEntry{Token: token, Name: name, Value: string(value)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&entry).Error
}

// BuildConfigSnapshot 组装租户的全部配置项。
func (s *Store) BuildConfigSnapshot(ctx context.Context, token string) (ConfigSnapshot, error) {
	var entries []model.ConfigEntry
	if err := s.db.WithContext(ctx).Where("token = ?", token).Find(&entries).Error; err != nil {
		return nil, err
	}
	snapshot := make(ConfigSnapshot, len(entries))
	for _, entry := range entries {
		snapshot[entry.Name] = json.RawMessage(entry.Value)
	}
	return snapshot, nil
}

// ---- RawProduct ----

// UpsertRawProduct 按 (token, product_id) 幂等写入源商品。
func (s *Store) UpsertRawProduct(ctx context.Context, p *model.RawProduct) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "token"}, {Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "sub_name", "price", "images", "short_url", "skip_url", "copywriter", "end_sale_desc",
		}),
	}).Create(p).Error
}

// RawProductGroups 按子品名分组返回租户的所有源商品。
func (s *Store) RawProductGroups(ctx context.Context, token string) (map[string][]model.RawProduct, error) {
	var products []model.RawProduct
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Order("product_id ASC").
		Find(&products).Error; err != nil {
		return nil, err
	}
	groups := make(map[string][]model.RawProduct)
	for _, p := range products {
		groups[p.SubName] = append(groups[p.SubName], p)
	}
	return groups, nil
}

// ---- MergedItem ----

// UpsertMergedItem 按规范 ID 幂等写入合并商品。
func (s *Store) UpsertMergedItem(ctx context.Context, item *model.MergedItem) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "token"}, {Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"original_ids", "title", "sub_name", "price", "images", "short_urls", "copywriter", "end_sale_date",
		}),
	}).Create(item).Error
}

// ListMergedItems 返回租户的全部合并商品。
func (s *Store) ListMergedItems(ctx context.Context, token string) ([]model.MergedItem, error) {
	var items []model.MergedItem
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Order("product_id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// PageMergedItems 分页返回合并商品（API 列表使用）。
func (s *Store) PageMergedItems(ctx context.Context, token string, page, pageSize int) ([]model.MergedItem, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	var items []model.MergedItem
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Order("updated_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// FindMergedItemByProductID 按规范 ID 查询。
func (s *Store) FindMergedItemByProductID(ctx context.Context, token, productID string) (*model.MergedItem, error) {
	var item model.MergedItem
	if err := s.db.WithContext(ctx).
		Where("token = ? AND product_id = ?", token, productID).
		First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

// BindListingID 将市场侧分配的 goodsId 回填到对应合并商品。
func (s *Store) BindListingID(ctx context.Context, token, productID, listingID string) error {
	return s.db.WithContext(ctx).Model(&model.MergedItem{}).
		Where("token = ? AND product_id = ?", token, productID).
		Update("listing_id", listingID).Error
}

// ---- ChatMessage ----

// HasChatMessage 判断 (会话, 发送者, 消息) 是否已持久化。
func (s *Store) HasChatMessage(ctx context.Context, token, sessionID, senderID, messageID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.ChatMessage{}).
		Where("token = ? AND session_id = ? AND sender_id = ? AND message_id = ?",
			token, sessionID, senderID, messageID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SaveChatMessage 幂等持久化一条消息。
func (s *Store) SaveChatMessage(ctx context.Context, msg *model.ChatMessage) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "timestamp", "is_mine"}),
	}).Create(msg).Error
}

// ChatHistory 返回会话内按时间排序的消息。
func (s *Store) ChatHistory(ctx context.Context, token, sessionID string) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	if err := s.db.WithContext(ctx).
		Where("token = ? AND session_id = ?", token, sessionID).
		Order("timestamp ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// parseFlexibleInt 解析可能以字符串形式存储的整数配置值。
func parseFlexibleInt(raw json.RawMessage) (int, bool) {
	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, true
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if v, convErr := strconv.Atoi(asString); convErr == nil {
			return v, true
		}
	}
	return 0, false
}
