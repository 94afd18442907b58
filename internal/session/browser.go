// Package session 封装浏览器自动化：登录态校验、二维码登录与闲鱼 IM 会话驱动。
// 所有站点选择器都收敛在本包内，上层只依赖窄接口。
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/Driftcell/goofish-v2/internal/config"
	"github.com/Driftcell/goofish-v2/internal/pkg/cookies"
)

// StartBrowser 启动并连接浏览器实例。
// 未指定二进制路径时下载默认浏览器；针对容器环境关闭沙箱与共享内存。
func StartBrowser(ctx context.Context, cfg config.BrowserConfig, log *slog.Logger) (*rod.Browser, error) {
	bin := cfg.BinPath
	if bin == "" {
		log.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("remote-allow-origins", "*")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	log.Info("browser started", "headless", cfg.Headless)
	return browser, nil
}

// newStealthPage 打开一个注入了反检测脚本的空白页，并装载租户 cookie。
func newStealthPage(ctx context.Context, browser *rod.Browser, cookiesJSON string) (*rod.Page, error) {
	if cookiesJSON != "" {
		list, err := cookies.Parse(cookiesJSON)
		if err != nil {
			return nil, err
		}
		params := make([]*proto.NetworkCookieParam, 0, len(list))
		for _, c := range list {
			params = append(params, &proto.NetworkCookieParam{
				Name:   c.Name,
				Value:  c.Value,
				Domain: c.Domain,
				Path:   c.Path,
			})
		}
		if err := browser.SetCookies(params); err != nil {
			return nil, fmt.Errorf("set cookies: %w", err)
		}
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("apply stealth script: %w", err)
	}
	return page, nil
}
