// Package cookies 处理租户凭证中以 JSON 形式保存的浏览器 cookie。
package cookies

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Cookie 登录流程导出的单个 cookie。
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Parse 解析 cookie JSON 数组。
func Parse(raw string) ([]Cookie, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []Cookie
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse cookies: %w", err)
	}
	return out, nil
}

// HeaderValue 拼接 Cookie 请求头的值。
func HeaderValue(list []Cookie) string {
	parts := make([]string, 0, len(list))
	for _, c := range list {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Encode 序列化 cookie 列表。
func Encode(list []Cookie) (string, error) {
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode cookies: %w", err)
	}
	return string(data), nil
}
