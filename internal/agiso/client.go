// Package agiso 闲鱼上架工具（阿奇索）客户端：查询在售商品、上传图片、发布商品。
package agiso

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"github.com/Driftcell/goofish-v2/internal/config"
)

// APIError 市场侧返回了非成功响应。
type APIError struct {
	Op     string
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agiso %s: status %d", e.Op, e.Status)
}

// Good 市场侧的一条在售商品。
type Good struct {
	GoodsID      json.Number `json:"goodsId"`
	OuterGoodsID string      `json:"outerGoodsId"`
	Title        string      `json:"title"`
}

// Client 阿奇索接口客户端，持有单个租户的 cookie 与令牌。
type Client struct {
	cfg          config.AgisoConfig
	httpc        *http.Client
	limiter      *rate.Limiter
	cookieHeader string
	bearer       string
}

// NewClient 创建客户端。publishRate 约束发布类请求的速率（次/秒）。
func NewClient(cfg config.AgisoConfig, cookieHeader, bearer string, publishRate float64) *Client {
	if publishRate <= 0 {
		publishRate = 1
	}
	return &Client{
		cfg:          cfg,
		httpc:        &http.Client{Timeout: 60 * time.Second},
		limiter:      rate.NewLimiter(rate.Limit(publishRate), 1),
		cookieHeader: cookieHeader,
		bearer:       bearer,
	}
}

// ListGoods 分页拉取全部在售商品，用于上架前去重与回填 goodsId。
func (c *Client) ListGoods(ctx context.Context) ([]Good, error) {
	body := map[string]any{
		"pageSize":   100,
		"page":       1,
		"status":     "0",
		"categoryId": "",
	}
	var goods []Good

	for {
		var out struct {
			Data struct {
				Data struct {
					Items        []Good `json:"items"`
					HasNextPages bool   `json:"hasNextPages"`
				} `json:"data"`
			} `json:"data"`
		}
		if err := c.postJSON(ctx, "list goods", c.cfg.SearchGoodsAPI, body, &out); err != nil {
			return nil, err
		}
		goods = append(goods, out.Data.Data.Items...)
		if !out.Data.Data.HasNextPages {
			return goods, nil
		}
		body["page"] = body["page"].(int) + 1
	}
}

// UpdateItemStatus 上线或下线一个商品。
func (c *Client) UpdateItemStatus(ctx context.Context, goodsID string, online bool) error {
	body := map[string]any{"online": online, "goodsId": goodsID}
	var out struct {
		Data struct {
			IsSuccess bool `json:"isSuccess"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, "update status", c.cfg.UpdateStatusAPI, body, &out); err != nil {
		return err
	}
	if !out.Data.IsSuccess {
		return fmt.Errorf("agiso update status %s: rejected", goodsID)
	}
	return nil
}

// UploadImage 上传一张图片，返回市场侧的图片描述对象，原样放入发布请求。
func (c *Client) UploadImage(ctx context.Context, image []byte) (json.RawMessage, error) {
	sum := md5.Sum(image)
	filename := hex.EncodeToString(sum[:]) + ".png"

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(image); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadImageAPI, &form)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.auth(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Op: "upload image", Status: resp.StatusCode}
	}

	var out struct {
		StatusCode int `json:"statusCode"`
		Data       struct {
			Data json.RawMessage `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.StatusCode != 200 {
		return nil, &APIError{Op: "upload image", Status: out.StatusCode}
	}
	return out.Data.Data, nil
}

// Publish 提交发布请求；draft 为真时仅存草稿。
func (c *Client) Publish(ctx context.Context, body map[string]any, draft bool) error {
	url := c.cfg.PublishAPI
	op := "publish"
	if draft {
		url = c.cfg.InsertDraftAPI
		op = "insert draft"
	}
	var out struct {
		StatusCode int  `json:"statusCode"`
		Succeeded  bool `json:"succeeded"`
	}
	if err := c.postJSON(ctx, op, url, body, &out); err != nil {
		return err
	}
	if out.StatusCode != 200 || !out.Succeeded {
		return &APIError{Op: op, Status: out.StatusCode}
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.cookieHeader != "" {
		req.Header.Set("Cookie", c.cookieHeader)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
}

func (c *Client) postJSON(ctx context.Context, op, url string, body any, out any) error {
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
			c.auth(req)

			resp, err := c.httpc.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return &APIError{Op: op, Status: resp.StatusCode}
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
	)
}
