// Package pipeline 按租户执行完整的转售流水线：抓取、合并、标题生成、上架。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Driftcell/goofish-v2/internal/agiso"
	"github.com/Driftcell/goofish-v2/internal/ctrip"
	"github.com/Driftcell/goofish-v2/internal/ingest"
	"github.com/Driftcell/goofish-v2/internal/model"
	"github.com/Driftcell/goofish-v2/internal/pkg/cookies"
	"github.com/Driftcell/goofish-v2/internal/pkg/metrics"
	"github.com/Driftcell/goofish-v2/internal/store"
)

// ErrTenantExpired 租户凭证已失效，流水线拒绝执行。
var ErrTenantExpired = errors.New("pipeline: tenant credentials expired")

// ErrConfigIncomplete 租户配置不齐备。
var ErrConfigIncomplete = errors.New("pipeline: tenant config incomplete")

// TitleGenerator 标题生成依赖。
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, promptTemplate, title, description string, price float64) (string, error)
}

// Market 上架侧依赖：查询在售商品并发布新商品。
type Market interface {
	ListGoods(ctx context.Context) ([]agiso.Good, error)
	PublishItem(ctx context.Context, item *model.MergedItem, opts agiso.PublishOptions) error
}

// LoginChecker 以真实会话验证平台登录态；platform 为 ctrip / goofish / agiso。
type LoginChecker interface {
	CheckLogin(ctx context.Context, platform, cookiesJSON string) (bool, error)
}

// CtripFactory 按租户 cookie 与该租户的联盟推广参数构造携程客户端。
type CtripFactory func(cookieHeader, allianceID, sid string) ctrip.API

// MarketFactory 按租户凭证构造市场客户端。
type MarketFactory func(cookieHeader, bearer string) Market

// RunSummary 一次流水线执行的结果，用于运行报告。
type RunSummary struct {
	Token      string
	StartedAt  time.Time
	FinishedAt time.Time

	Scrape ctrip.Stats
	Images ingest.Stats // 本次执行的图片计数增量

	Merged        int // 合并产出的商品数
	TitleFailures int // 标题生成失败而跳过的分组数

	Published       int // 本次成功上架数
	SkippedExisting int // 已在售跳过数
	SkippedFilter   int // 命中过滤器跳过数
	PublishFailures int // 上架失败数
	QuotaReached    bool
}

// Duration 执行耗时。
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Runner 流水线执行器，被调度器的周期任务调用。
type Runner struct {
	store     *store.Store
	pool      *ingest.Pool
	scraper   *ctrip.Scraper
	titles    TitleGenerator
	login     LoginChecker
	newCtrip  CtripFactory
	newMarket MarketFactory
	cityName  string
	log       *slog.Logger
}

// NewRunner 创建执行器。
func NewRunner(
	st *store.Store,
	pool *ingest.Pool,
	scraper *ctrip.Scraper,
	titles TitleGenerator,
	login LoginChecker,
	newCtrip CtripFactory,
	newMarket MarketFactory,
	cityName string,
	log *slog.Logger,
) *Runner {
	return &Runner{
		store:     st,
		pool:      pool,
		scraper:   scraper,
		titles:    titles,
		login:     login,
		newCtrip:  newCtrip,
		newMarket: newMarket,
		cityName:  cityName,
		log:       log,
	}
}

// checkLogin 验证平台登录态，失效时将租户标记为过期。
// 未配置 LoginChecker 时只依赖存储中的过期标记。
func (r *Runner) checkLogin(ctx context.Context, tenant *model.Tenant, platform, cookiesJSON string) error {
	if r.login == nil {
		return nil
	}
	ok, err := r.login.CheckLogin(ctx, platform, cookiesJSON)
	if err != nil {
		return fmt.Errorf("check %s login: %w", platform, err)
	}
	if !ok {
		if err := r.store.MarkTenantExpired(ctx, tenant.Token); err != nil {
			r.log.Error("mark tenant expired failed", "token", tenant.Token, "err", err)
		}
		return fmt.Errorf("%s: %w", platform, ErrTenantExpired)
	}
	return nil
}

// Run 为单个租户执行一轮完整流水线。
//
// 凭证失效与配置缺失直接失败；抓取阶段的列表错误中止本轮；
// 合并与上架阶段单个商品失败只记数跳过。
func (r *Runner) Run(ctx context.Context, token string) (*RunSummary, error) {
	summary := &RunSummary{Token: token, StartedAt: time.Now()}
	defer func() {
		summary.FinishedAt = time.Now()
		metrics.PipelineRunDuration.Observe(summary.Duration().Seconds())
	}()

	tenant, err := r.store.GetTenant(ctx, token)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return summary, fmt.Errorf("load tenant: %w", err)
	}
	if tenant.Expired {
		metrics.PipelineRunsTotal.WithLabelValues("auth_failed").Inc()
		return summary, ErrTenantExpired
	}
	if err := r.checkLogin(ctx, tenant, "ctrip", tenant.CtripCookies); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("auth_failed").Inc()
		return summary, err
	}

	snapshot, err := r.store.BuildConfigSnapshot(ctx, token)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return summary, fmt.Errorf("build snapshot: %w", err)
	}
	if !snapshot.Complete() {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return summary, fmt.Errorf("%w: missing %v", ErrConfigIncomplete, snapshot.MissingKeys())
	}

	if err := r.scrape(ctx, tenant, summary); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return summary, err
	}
	if err := r.merge(ctx, token, snapshot, summary); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return summary, err
	}
	if err := r.publish(ctx, tenant, snapshot, summary); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return summary, err
	}

	metrics.PipelineRunsTotal.WithLabelValues("success").Inc()
	r.log.Info("pipeline run finished",
		"token", token,
		"products", summary.Scrape.Products,
		"merged", summary.Merged,
		"published", summary.Published,
		"duration", summary.Duration())
	return summary, nil
}

func (r *Runner) scrape(ctx context.Context, tenant *model.Tenant, summary *RunSummary) error {
	list, err := cookies.Parse(tenant.CtripCookies)
	if err != nil {
		return fmt.Errorf("tenant ctrip cookies: %w", err)
	}
	api := r.newCtrip(cookies.HeaderValue(list), tenant.AllianceID, tenant.SID)

	batch := r.pool.NewBatch()
	stats, err := r.scraper.Run(ctx, api, batch, tenant.Token, r.cityName)
	if stats != nil {
		summary.Scrape = *stats
	}
	if err != nil {
		return fmt.Errorf("scrape: %w", err)
	}

	// 等待本轮入队的图片全部落盘后再进入上架阶段；
	// 屏障只针对本批次，不受其他租户同时入队的任务影响
	if err := batch.Drain(ctx); err != nil {
		return fmt.Errorf("drain images: %w", err)
	}
	summary.Images = batch.Stats()
	return nil
}

func (r *Runner) merge(ctx context.Context, token string, snapshot store.ConfigSnapshot, summary *RunSummary) error {
	groups, err := r.store.RawProductGroups(ctx, token)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}

	// 分组键排序，保证执行顺序稳定
	subNames := make([]string, 0, len(groups))
	for subName := range groups {
		subNames = append(subNames, subName)
	}
	sort.Strings(subNames)

	promptTemplate := snapshot.PromptTemplate()
	for _, subName := range subNames {
		item := BuildMergedItem(token, groups[subName])
		if item == nil {
			continue
		}

		title, err := r.titles.GenerateTitle(ctx, promptTemplate, item.SubName, item.Copywriter, item.Price)
		if err != nil {
			summary.TitleFailures++
			metrics.PipelineItemsTotal.WithLabelValues("merge", "title_failed").Inc()
			r.log.Warn("title generation failed, skip group", "token", token, "sub_name", subName, "err", err)
			continue
		}
		item.Title = title

		if err := r.store.UpsertMergedItem(ctx, item); err != nil {
			return fmt.Errorf("upsert merged item: %w", err)
		}
		summary.Merged++
		metrics.PipelineItemsTotal.WithLabelValues("merge", "stored").Inc()
	}
	return nil
}

func (r *Runner) publish(ctx context.Context, tenant *model.Tenant, snapshot store.ConfigSnapshot, summary *RunSummary) error {
	if err := r.checkLogin(ctx, tenant, "goofish", tenant.GoofishCookies); err != nil {
		return err
	}

	list, err := cookies.Parse(tenant.GoofishCookies)
	if err != nil {
		return fmt.Errorf("tenant goofish cookies: %w", err)
	}
	market := r.newMarket(cookies.HeaderValue(list), tenant.AgisoToken)

	goods, err := market.ListGoods(ctx)
	if err != nil {
		return fmt.Errorf("list goods: %w", err)
	}
	uploaded := make(map[string]string, len(goods)) // outerId -> goodsId
	for _, good := range goods {
		if good.OuterGoodsID != "" {
			uploaded[good.OuterGoodsID] = good.GoodsID.String()
		}
	}

	items, err := r.store.ListMergedItems(ctx, tenant.Token)
	if err != nil {
		return fmt.Errorf("list merged items: %w", err)
	}

	filterEnabled, keywords := snapshot.FilterKeywords()
	priceMode, price := snapshot.PriceMode()
	limits := snapshot.ItemLimits()
	template := snapshot.DescriptionTemplate()
	uploadedCount := len(goods)

	for i := range items {
		item := &items[i]

		if _, ok := uploaded[item.ProductID]; ok {
			summary.SkippedExisting++
			metrics.PipelineItemsTotal.WithLabelValues("publish", "skipped_existing").Inc()
			continue
		}

		if filterEnabled && matchesFilter(item, keywords) {
			summary.SkippedFilter++
			metrics.PipelineItemsTotal.WithLabelValues("publish", "skipped_filter").Inc()
			r.log.Info("item matches filter, skip", "token", tenant.Token, "item", item.ProductID)
			continue
		}

		if uploadedCount >= limits {
			summary.QuotaReached = true
			r.log.Info("item limits reached, stop publishing", "token", tenant.Token, "limits", limits)
			break
		}

		err := market.PublishItem(ctx, item, agiso.PublishOptions{
			PriceMode: priceMode,
			Price:     price,
			Template:  template,
		})
		if err != nil {
			summary.PublishFailures++
			metrics.PipelineItemsTotal.WithLabelValues("publish", "failed").Inc()
			r.log.Warn("publish failed", "token", tenant.Token, "item", item.ProductID, "err", err)
			continue
		}
		summary.Published++
		uploadedCount++
		metrics.PipelineItemsTotal.WithLabelValues("publish", "published").Inc()
		r.log.Info("item published", "token", tenant.Token, "item", item.ProductID)
	}

	return r.backfillListingIDs(ctx, tenant.Token, market, items)
}

// backfillListingIDs 重新查询市场在售列表，把分配的 goodsId 回填到对应商品。
func (r *Runner) backfillListingIDs(ctx context.Context, token string, market Market, items []model.MergedItem) error {
	goods, err := market.ListGoods(ctx)
	if err != nil {
		return fmt.Errorf("list goods for backfill: %w", err)
	}
	byOuterID := make(map[string]string, len(goods))
	for _, good := range goods {
		if good.OuterGoodsID != "" {
			byOuterID[good.OuterGoodsID] = good.GoodsID.String()
		}
	}

	for i := range items {
		item := &items[i]
		goodsID, ok := byOuterID[item.ProductID]
		if !ok || goodsID == "" || item.ListingID == goodsID {
			continue
		}
		if err := r.store.BindListingID(ctx, token, item.ProductID, goodsID); err != nil {
			r.log.Warn("bind listing id failed", "token", token, "item", item.ProductID, "err", err)
		}
	}
	return nil
}
