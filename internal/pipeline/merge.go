package pipeline

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/Driftcell/goofish-v2/internal/ctrip"
	"github.com/Driftcell/goofish-v2/internal/model"
)

var endSaleDatePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// BuildMergedItem 把同一子品名下的源商品合并为一个规范商品（标题留空，由 AI 阶段补齐）。
//
// 规范 ID 是组内源商品 ID 排序后拼接的 md5，与输入顺序无关；
// 价格取组内最低价，图片与文案取首个商品，短链逐商品收集。
func BuildMergedItem(token string, group []model.RawProduct) *model.MergedItem {
	if len(group) == 0 {
		return nil
	}

	ids := make([]string, 0, len(group))
	for _, p := range group {
		ids = append(ids, p.ProductID)
	}
	sort.Strings(ids)
	sum := md5.Sum([]byte(strings.Join(ids, "")))

	minPrice := group[0].Price
	shortURLs := make([]model.ShortURL, 0, len(group))
	for _, p := range group {
		if p.Price < minPrice {
			minPrice = p.Price
		}
		shortURLs = append(shortURLs, model.ShortURL{
			ShortURL:    p.ShortURL,
			Description: p.Name,
		})
	}

	first := group[0]
	imageNames := make([]string, 0)
	for _, imgURL := range model.DecodeList(first.Images) {
		imageNames = append(imageNames, ctrip.ImageName(imgURL))
	}

	return &model.MergedItem{
		Token:       token,
		ProductID:   hex.EncodeToString(sum[:]),
		OriginalIDs: model.EncodeList(ids),
		SubName:     first.SubName,
		Price:       minPrice,
		Images:      model.EncodeList(imageNames),
		ShortURLs:   model.EncodeShortURLs(shortURLs),
		Copywriter:  strings.ReplaceAll(first.Copywriter, "-", ""),
		EndSaleDate: endSaleDatePattern.FindString(first.EndSaleDesc),
	}
}

// matchesFilter 判断商品是否命中任一过滤关键词。
func matchesFilter(item *model.MergedItem, keywords []string) bool {
	haystack := item.SubName + item.Copywriter + item.Title
	for _, keyword := range keywords {
		if keyword != "" && strings.Contains(haystack, keyword) {
			return true
		}
	}
	return false
}
