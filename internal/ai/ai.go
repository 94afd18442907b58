// Package ai 调用文心接口生成商品标题与会话回复。
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"

	"github.com/Driftcell/goofish-v2/internal/config"
)

// tokenTTL access_token 的缓存时长。
const tokenTTL = 10 * time.Minute

const tokenCacheKey = "ai:access_token"

// ErrEmptyResult 模型返回了空结果。
var ErrEmptyResult = errors.New("ai: empty result")

// Message 对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client 文心接口客户端，access_token 缓存在 Redis 中跨实例共享。
type Client struct {
	cfg   config.AIConfig
	httpc *http.Client
	rdb   *redis.Client
}

// New 创建客户端。
func New(cfg config.AIConfig, rdb *redis.Client) *Client {
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 60 * time.Second},
		rdb:   rdb,
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	token, err := c.rdb.Get(ctx, tokenCacheKey).Result()
	if err == nil && token != "" {
		return token, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("token cache: %w", err)
	}

	params := url.Values{}
	params.Set("grant_type", "client_credentials")
	params.Set("client_id", c.cfg.APIKey)
	params.Set("client_secret", c.cfg.SecretKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.TokenURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("oauth response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("oauth: no access token, status %d", resp.StatusCode)
	}

	if err := c.rdb.SetEx(ctx, tokenCacheKey, out.AccessToken, tokenTTL).Err(); err != nil {
		return "", fmt.Errorf("cache token: %w", err)
	}
	return out.AccessToken, nil
}

// Chat 发送一组对话消息并返回模型回复。
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]any{"messages": messages})
	if err != nil {
		return "", err
	}

	var result string
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.cfg.ChatURL+token, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpc.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			var out struct {
				Result string `json:"result"`
			}
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			if out.Result == "" {
				return ErrEmptyResult
			}
			result = out.Result
			return nil
		},
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.MaxDelay(20*time.Second),
		retry.Context(ctx),
	)
	return result, err
}

// GenerateTitle 按提示词模板为合并商品生成标题。
// 模板中的 {title}、{description}、{price} 会被替换。
func (c *Client) GenerateTitle(ctx context.Context, promptTemplate, title, description string, price float64) (string, error) {
	prompt := strings.ReplaceAll(promptTemplate, "{title}", title)
	prompt = strings.ReplaceAll(prompt, "{description}", description)
	prompt = strings.ReplaceAll(prompt, "{price}", strconv.FormatFloat(price, 'f', -1, 64))

	return c.Chat(ctx, []Message{{Role: "user", Content: prompt}})
}
