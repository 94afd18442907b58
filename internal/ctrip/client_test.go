package ctrip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Driftcell/goofish-v2/internal/config"
	"github.com/Driftcell/goofish-v2/internal/pkg/ratelimit"
)

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	// 测试里不限速
	return ratelimit.New(rdb, "test", 1000, 1000)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}

func TestProductListSendsPageAndParsesIDs(t *testing.T) {
	var gotBody map[string]any
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody = decodeBody(t, r)
		gotCookie = r.Header.Get("Cookie")
		// productId 混用数字与字符串两种形式
		w.Write([]byte(`{"productInfoList":[{"productId":10086},{"productId":"p-2"}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.CtripConfig{ProductListAPI: srv.URL}, "sid=abc", "", "", newTestLimiter(t))
	list, err := c.ProductList(context.Background(), 2, "北京")
	if err != nil {
		t.Fatalf("product list: %v", err)
	}

	if len(list) != 2 || string(list[0].ProductID) != "10086" || string(list[1].ProductID) != "p-2" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if gotCookie != "sid=abc" {
		t.Fatalf("cookie header = %q", gotCookie)
	}
	if gotBody["pageIndex"] != float64(2) || gotBody["pageSize"] != float64(10) {
		t.Fatalf("unexpected paging params: %v", gotBody)
	}
	if gotBody["tabValue"] != "hotPush" || gotBody["cityName"] != "北京" {
		t.Fatalf("unexpected query params: %v", gotBody)
	}
}

func TestProductDetailMissingReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(config.CtripConfig{ProductDetailAPI: srv.URL}, "", "", "", newTestLimiter(t))
	detail, err := c.ProductDetail(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("product detail: %v", err)
	}
	if detail != nil {
		t.Fatalf("missing detail should be nil, got %+v", detail)
	}
}

func TestProductDetailParsesCopywriter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"productDetail":{
			"productId":42,
			"productName":"北京两晚连住",
			"subName":"周末特惠",
			"price":199.9,
			"imgList":["https://img.example/a.png"],
			"skipUrl":"https://t.example/go?id=42",
			"copywriterInfo":[{"copywriter":"首段文案"},{"copywriter":"次段"}],
			"endSaleTimeDesc":"2026-09-30"
		}}`))
	}))
	defer srv.Close()

	c := NewClient(config.CtripConfig{ProductDetailAPI: srv.URL}, "", "", "", newTestLimiter(t))
	detail, err := c.ProductDetail(context.Background(), "42")
	if err != nil {
		t.Fatalf("product detail: %v", err)
	}
	if detail == nil {
		t.Fatal("detail should not be nil")
	}
	if detail.ID() != "42" || detail.SubName != "周末特惠" || detail.Price != 199.9 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if detail.Copywriter() != "首段文案" {
		t.Fatalf("copywriter = %q", detail.Copywriter())
	}
}

func TestCreateShortURLAppendsAllianceParams(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		gotURL, _ = body["url"].(string)
		w.Write([]byte(`{"shortUrl":"https://s.example/x1"}`))
	}))
	defer srv.Close()
	cfg := config.CtripConfig{ShortURLAPI: srv.URL, AllianceID: "ali-9", SID: "site-7"}

	// 租户自己的联盟参数优先
	c := NewClient(cfg, "", "ali-1", "site-1", newTestLimiter(t))
	short, err := c.CreateShortURL(context.Background(), "https://t.example/go?id=42")
	if err != nil {
		t.Fatalf("create short url: %v", err)
	}
	if short != "https://s.example/x1" {
		t.Fatalf("short url = %q", short)
	}
	if !strings.HasSuffix(gotURL, "&allianceid=ali-1&sid=site-1") {
		t.Fatalf("tenant alliance params missing: %q", gotURL)
	}

	// 未提取到时回退全局配置
	c = NewClient(cfg, "", "", "", newTestLimiter(t))
	if _, err := c.CreateShortURL(context.Background(), "https://t.example/go?id=42"); err != nil {
		t.Fatalf("create short url: %v", err)
	}
	if !strings.HasSuffix(gotURL, "&allianceid=ali-9&sid=site-7") {
		t.Fatalf("fallback alliance params missing: %q", gotURL)
	}
}
