package ctrip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Driftcell/goofish-v2/internal/ingest"
	"github.com/Driftcell/goofish-v2/internal/model"
	"github.com/Driftcell/goofish-v2/internal/pkg/metrics"
	"github.com/Driftcell/goofish-v2/internal/store"
)

// detailConcurrency 单页内并发拉取详情的上限，与列表页大小一致。
const detailConcurrency = pageSize

// API 抓取阶段依赖的携程接口。
type API interface {
	ProductList(ctx context.Context, page int, cityName string) ([]ProductSummary, error)
	ProductDetail(ctx context.Context, productID string) (*ProductDetail, error)
	CreateShortURL(ctx context.Context, skipURL string) (string, error)
}

// Stats 一次抓取的统计。
type Stats struct {
	Pages    int // 翻页数
	Products int // 成功落库的产品数
	Failures int // 跳过的产品数
}

// Scraper 抓取协调器：翻页拉列表，并发取详情，产品落库，图片入下载队列。
type Scraper struct {
	store *store.Store
	log   *slog.Logger
}

// NewScraper 创建抓取器。
func NewScraper(st *store.Store, log *slog.Logger) *Scraper {
	return &Scraper{store: st, log: log}
}

// Run 执行一轮完整抓取：从第 1 页翻到空页为止，图片经 batch 入下载队列。
// 单个产品失败只记数跳过，不中断整轮；返回错误仅在列表页本身不可用时出现。
func (s *Scraper) Run(ctx context.Context, api API, batch *ingest.Batch, token, cityName string) (*Stats, error) {
	stats := &Stats{}

	for page := 1; ; page++ {
		products, err := api.ProductList(ctx, page, cityName)
		if err != nil {
			return stats, fmt.Errorf("list page %d: %w", page, err)
		}
		if len(products) == 0 {
			break
		}
		stats.Pages++
		s.log.Info("collecting page", "token", token, "page", page, "products", len(products))

		details := s.fetchDetails(ctx, api, products)
		for _, detail := range details {
			if err := s.storeDetail(ctx, api, batch, token, detail); err != nil {
				stats.Failures++
				metrics.PipelineItemsTotal.WithLabelValues("scrape", "failed").Inc()
				s.log.Warn("store product failed", "token", token, "product", detail.ID(), "err", err)
				continue
			}
			stats.Products++
			metrics.PipelineItemsTotal.WithLabelValues("scrape", "stored").Inc()
		}
		stats.Failures += len(products) - len(details)
	}
	return stats, nil
}

// fetchDetails 并发拉取一页产品的详情，失败或缺失的条目直接丢弃。
func (s *Scraper) fetchDetails(ctx context.Context, api API, products []ProductSummary) []*ProductDetail {
	var (
		mu      sync.Mutex
		details []*ProductDetail
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, detailConcurrency)

	for _, p := range products {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			detail, err := api.ProductDetail(ctx, id)
			if err != nil {
				s.log.Warn("fetch detail failed", "product", id, "err", err)
				return
			}
			if detail == nil {
				s.log.Info("product detail missing, skip", "product", id)
				return
			}
			mu.Lock()
			details = append(details, detail)
			mu.Unlock()
		}(string(p.ProductID))
	}
	wg.Wait()
	return details
}

func (s *Scraper) storeDetail(ctx context.Context, api API, batch *ingest.Batch, token string, detail *ProductDetail) error {
	for _, imgURL := range detail.ImgList {
		task := ingest.Task{Token: token, URL: imgURL, Name: ImageName(imgURL)}
		if err := batch.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("enqueue image: %w", err)
		}
	}

	shortURL, err := api.CreateShortURL(ctx, detail.SkipURL)
	if err != nil {
		// 短链失败不致命，商品仍落库，下一轮抓取补齐
		s.log.Warn("create short url failed", "product", detail.ID(), "err", err)
	}

	return s.store.UpsertRawProduct(ctx, &model.RawProduct{
		Token:       token,
		ProductID:   detail.ID(),
		Name:        detail.ProductName,
		SubName:     detail.SubName,
		Price:       detail.Price,
		Images:      model.EncodeList(detail.ImgList),
		ShortURL:    shortURL,
		SkipURL:     detail.SkipURL,
		Copywriter:  detail.Copywriter(),
		EndSaleDesc: detail.EndSaleTimeDesc,
	})
}

// ImageName 从图片 URL 提取对象存储内的文件名。
func ImageName(imgURL string) string {
	if i := strings.LastIndex(imgURL, "/"); i >= 0 {
		return imgURL[i+1:]
	}
	return imgURL
}
