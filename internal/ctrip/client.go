// Package ctrip 携程货源平台客户端：分页拉取产品列表、获取详情、生成推广短链。
package ctrip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/Driftcell/goofish-v2/internal/config"
	"github.com/Driftcell/goofish-v2/internal/pkg/ratelimit"
)

const pageSize = 10

// ID 产品标识，兼容数字或字符串形式的 JSON 字段。
type ID string

func (f *ID) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*f = ID(asString)
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(data, &asNumber); err == nil {
		*f = ID(asNumber.String())
		return nil
	}
	return fmt.Errorf("id is neither string nor number: %s", data)
}

// ProductSummary 列表页中的产品条目。
type ProductSummary struct {
	ProductID ID `json:"productId"`
}

// CopywriterEntry 详情中的一段文案。
type CopywriterEntry struct {
	Copywriter string `json:"copywriter"`
}

// ProductDetail 产品详情。
type ProductDetail struct {
	ProductID       ID                `json:"productId"`
	ProductName     string            `json:"productName"`
	SubName         string            `json:"subName"`
	Price           float64           `json:"price"`
	ImgList         []string          `json:"imgList"`
	SkipURL         string            `json:"skipUrl"`
	CopywriterInfo  []CopywriterEntry `json:"copywriterInfo"`
	EndSaleTimeDesc string            `json:"endSaleTimeDesc"`
}

// ID 产品 ID 的字符串形式。
func (d *ProductDetail) ID() string {
	return string(d.ProductID)
}

// Copywriter 首段文案，没有则为空。
func (d *ProductDetail) Copywriter() string {
	if len(d.CopywriterInfo) == 0 {
		return ""
	}
	return d.CopywriterInfo[0].Copywriter
}

// Client 携程接口客户端，持有单个租户的 cookie 与联盟推广参数。
type Client struct {
	cfg          config.CtripConfig
	httpc        *http.Client
	limiter      *ratelimit.Limiter
	cookieHeader string
	allianceID   string
	sid          string
}

// NewClient 创建客户端；limiter 约束对源站的请求速率，可跨租户共享。
// allianceID 与 sid 是该租户登录态下提取的联盟参数，为空时回退到全局配置。
func NewClient(cfg config.CtripConfig, cookieHeader, allianceID, sid string, limiter *ratelimit.Limiter) *Client {
	if allianceID == "" {
		allianceID = cfg.AllianceID
	}
	if sid == "" {
		sid = cfg.SID
	}
	return &Client{
		cfg:          cfg,
		httpc:        &http.Client{Timeout: 30 * time.Second},
		limiter:      limiter,
		cookieHeader: cookieHeader,
		allianceID:   allianceID,
		sid:          sid,
	}
}

// ProductList 拉取一页产品列表，页码从 1 开始；空列表表示翻页结束。
func (c *Client) ProductList(ctx context.Context, page int, cityName string) ([]ProductSummary, error) {
	body := map[string]any{
		"cityName":    cityName,
		"pageIndex":   page,
		"pageSize":    pageSize,
		"subTabType":  "",
		"subTabValue": "",
		"tabValue":    "hotPush",
		"clientFrom":  "PC",
	}
	var out struct {
		ProductInfoList []ProductSummary `json:"productInfoList"`
	}
	if err := c.postJSON(ctx, c.cfg.ProductListAPI, body, &out); err != nil {
		return nil, fmt.Errorf("product list page %d: %w", page, err)
	}
	return out.ProductInfoList, nil
}

// ProductDetail 获取单个产品详情；详情缺失返回 (nil, nil)。
func (c *Client) ProductDetail(ctx context.Context, productID string) (*ProductDetail, error) {
	body := map[string]any{
		"businessType": "GRP",
		"productId":    productID,
		"sid":          c.sid,
		"clientFrom":   "PC",
	}
	var out struct {
		ProductDetail *ProductDetail `json:"productDetail"`
	}
	if err := c.postJSON(ctx, c.cfg.ProductDetailAPI, body, &out); err != nil {
		return nil, fmt.Errorf("product detail %s: %w", productID, err)
	}
	return out.ProductDetail, nil
}

// CreateShortURL 为跳转链接附加联盟参数并换取短链。
func (c *Client) CreateShortURL(ctx context.Context, skipURL string) (string, error) {
	body := map[string]any{
		"url":        skipURL + "&allianceid=" + c.allianceID + "&sid=" + c.sid,
		"clientFrom": "PC",
	}
	var out struct {
		ShortURL string `json:"shortUrl"`
	}
	if err := c.postJSON(ctx, c.cfg.ShortURLAPI, body, &out); err != nil {
		return "", fmt.Errorf("create short url: %w", err)
	}
	return out.ShortURL, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if c.cookieHeader != "" {
				req.Header.Set("Cookie", c.cookieHeader)
			}

			resp, err := c.httpc.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status %s", strconv.Itoa(resp.StatusCode))
			}

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			return json.Unmarshal(data, out)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil
		}),
	)
}
