package agiso

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/Driftcell/goofish-v2/internal/model"
	"github.com/Driftcell/goofish-v2/internal/objstore"
)

// ErrNoImages 商品的所有图片都不可用，无法发布。
var ErrNoImages = errors.New("agiso: no usable images for item")

// maxPublishImageBytes 市场侧单图上限。
const maxPublishImageBytes = 10 << 20

// 商品类目常量，与市场侧固定类目对应。
var (
	goodsType = []any{
		25,
		"ed8a1d72cd74ed15bff01601e0dc334b",
		"021d57d22fe2f314752d0938bcc4ba3b",
		"c65beb619804c0b828d88a08a19453dc",
	}
	categoryID   = 50025461
	channelCatID = "c65beb619804c0b828d88a08a19453dc"
	categoryName = "卡券/票务/旅游出行/旅游出行/其他酒店优惠券"
	divisionIDs  = []string{"110000", "110100", "110101"}
)

// Uploader Publisher 依赖的上传接口，测试时可替换。
type Uploader interface {
	UploadImage(ctx context.Context, image []byte) (json.RawMessage, error)
	Publish(ctx context.Context, body map[string]any, draft bool) error
}

// PublishOptions 单次发布的选项，来自租户配置。
type PublishOptions struct {
	Draft     bool
	PriceMode string  // fixed / smart
	Price     float64 // fixed 模式下的售价
	Template  string  // 描述模板，空则直接用商品文案
}

// Publisher 把合并商品组装成市场侧的发布请求。
type Publisher struct {
	client  Uploader
	storage objstore.Storage
	log     *slog.Logger
}

// NewPublisher 创建发布器。
func NewPublisher(client Uploader, storage objstore.Storage, log *slog.Logger) *Publisher {
	return &Publisher{client: client, storage: storage, log: log}
}

// PublishItem 上传商品图片并提交发布。
//
// 超过 10MB 或缺失的图片逐张跳过；一张都没有时返回 ErrNoImages。
func (p *Publisher) PublishItem(ctx context.Context, item *model.MergedItem, opts PublishOptions) error {
	images := p.uploadImages(ctx, item)
	if len(images) == 0 {
		return ErrNoImages
	}

	price := opts.Price
	if opts.PriceMode != "fixed" {
		price = item.Price
	}
	originalPrice := item.Price
	if originalPrice <= 0 {
		originalPrice = 0.01
	}

	title := item.Title
	if title == "" {
		title = item.SubName
	}

	body := map[string]any{
		"itemBizType":    2,
		"goodsType":      goodsType,
		"spBizType":      "25",
		"categoryId":     categoryID,
		"channelCatId":   channelCatID,
		"pvList":         []any{},
		"virtual":        true,
		"title":          title,
		"desc":           p.renderDescription(item, opts.Template),
		"divisionIdList": divisionIDs,
		"freeShipping":   true,
		"reservePrice":   price,
		"originalPrice":  originalPrice,
		"quantity":       1,
		"outerId":        item.ProductID,
		"stuffStatus":    0,
		"transportFee":   0,
		"itemSkuList":    []any{},
		"imgList":        images,
		"categoryName":   categoryName,
	}
	return p.client.Publish(ctx, body, opts.Draft)
}

func (p *Publisher) uploadImages(ctx context.Context, item *model.MergedItem) []json.RawMessage {
	var uploaded []json.RawMessage
	for _, name := range model.DecodeList(item.Images) {
		data, err := p.storage.Get(ctx, name)
		if err != nil {
			p.log.Warn("image unavailable, skip", "item", item.ProductID, "image", name, "err", err)
			continue
		}
		if len(data) >= maxPublishImageBytes {
			p.log.Warn("image larger than 10MB, skip", "item", item.ProductID, "image", name, "size", len(data))
			continue
		}
		img, err := p.client.UploadImage(ctx, data)
		if err != nil {
			p.log.Warn("upload image failed, skip", "item", item.ProductID, "image", name, "err", err)
			continue
		}
		uploaded = append(uploaded, img)
	}
	return uploaded
}

// renderDescription 渲染描述模板：
// {goods_information} 替换为商品文案，{goods_content_without_link} 替换为各短链描述行。
func (p *Publisher) renderDescription(item *model.MergedItem, template string) string {
	if template == "" {
		return item.Copywriter
	}
	lines := make([]string, 0)
	for _, su := range model.DecodeShortURLs(item.ShortURLs) {
		lines = append(lines, su.Description)
	}
	desc := strings.ReplaceAll(template, "{goods_information}", item.Copywriter)
	desc = strings.ReplaceAll(desc, "{goods_content_without_link}", strings.Join(lines, "\n"))
	return desc
}
