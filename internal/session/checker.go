package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
)

// LoginState 平台登录状态。
type LoginState int

const (
	StateUnknown LoginState = iota
	StateLoggedIn
	StateLoggedOut
)

const (
	goofishHome     = "https://www.goofish.com/"
	goofishNickSel  = "[class^='nick-']"
	agisoGoodsList  = "https://aldsidle.agiso.com/#/goodsManage/goodsList"
	checkerPageWait = 30 * time.Second
)

// Checker 以真实浏览器会话验证平台登录态，并提取登录后才可见的参数。
type Checker struct {
	browser    *rod.Browser
	entrypoint string // 携程联盟后台入口页
	log        *slog.Logger
}

// NewChecker 创建校验器。
func NewChecker(browser *rod.Browser, ctripEntrypoint string, log *slog.Logger) *Checker {
	return &Checker{browser: browser, entrypoint: ctripEntrypoint, log: log}
}

// CheckLogin 校验某平台的 cookie 是否仍处于登录态。
func (c *Checker) CheckLogin(ctx context.Context, platform, cookiesJSON string) (bool, error) {
	state, err := c.loginState(ctx, platform, cookiesJSON)
	if err != nil {
		return false, err
	}
	return state == StateLoggedIn, nil
}

func (c *Checker) loginState(ctx context.Context, platform, cookiesJSON string) (LoginState, error) {
	page, err := newStealthPage(ctx, c.browser, cookiesJSON)
	if err != nil {
		return StateUnknown, err
	}
	defer page.Close()
	page = page.Timeout(checkerPageWait)

	switch platform {
	case "ctrip":
		if err := page.Navigate(c.entrypoint); err != nil {
			return StateUnknown, fmt.Errorf("navigate ctrip: %w", err)
		}
		if err := page.WaitLoad(); err != nil {
			return StateUnknown, err
		}
		// 未登录会被重定向离开入口页
		info, err := page.Info()
		if err != nil {
			return StateUnknown, err
		}
		if strings.HasPrefix(info.URL, c.entrypoint) {
			return StateLoggedIn, nil
		}
		return StateLoggedOut, nil

	case "goofish", "agiso":
		if err := page.Navigate(goofishHome); err != nil {
			return StateUnknown, fmt.Errorf("navigate goofish: %w", err)
		}
		if err := page.WaitLoad(); err != nil {
			return StateUnknown, err
		}
		el, err := page.Element(goofishNickSel)
		if err != nil {
			return StateUnknown, fmt.Errorf("nick element: %w", err)
		}
		nick, err := el.Text()
		if err != nil {
			return StateUnknown, err
		}
		if nick == "登录" {
			return StateLoggedOut, nil
		}
		return StateLoggedIn, nil

	default:
		return StateUnknown, fmt.Errorf("unsupported platform %q", platform)
	}
}

// AllianceParams 从携程联盟入口页的跳转结果中提取 allianceId 与 sid。
// 需要有效的携程登录态。
func (c *Checker) AllianceParams(ctx context.Context, cookiesJSON string) (allianceID, sid string, err error) {
	page, err := newStealthPage(ctx, c.browser, cookiesJSON)
	if err != nil {
		return "", "", err
	}
	defer page.Close()
	page = page.Timeout(checkerPageWait)

	if err := page.Navigate(c.entrypoint); err != nil {
		return "", "", fmt.Errorf("navigate ctrip: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", "", err
	}
	info, err := page.Info()
	if err != nil {
		return "", "", err
	}

	parsed, err := url.Parse(info.URL)
	if err != nil {
		return "", "", fmt.Errorf("parse entry url: %w", err)
	}
	query := parsed.Query()
	allianceID = query.Get("allianceId")
	sid = query.Get("sid")
	if allianceID == "" || sid == "" {
		return "", "", fmt.Errorf("alliance params missing in %s", info.URL)
	}
	return allianceID, sid, nil
}

// AgisoToken 读取上架工具在 localStorage 中的 Bearer 令牌。
// 需要有效的闲鱼登录态。
func (c *Checker) AgisoToken(ctx context.Context, cookiesJSON string) (string, error) {
	page, err := newStealthPage(ctx, c.browser, cookiesJSON)
	if err != nil {
		return "", err
	}
	defer page.Close()
	page = page.Timeout(checkerPageWait)

	if err := page.Navigate(agisoGoodsList); err != nil {
		return "", fmt.Errorf("navigate agiso: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", err
	}

	obj, err := page.Eval(`() => localStorage.getItem('TOKEN')`)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := obj.Value.Str()
	if token == "" {
		return "", fmt.Errorf("agiso token not found")
	}
	return token, nil
}
