package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/Driftcell/goofish-v2/internal/pkg/cookies"
)

const (
	goofishLoginBtnSel = "#ice-container > div.bottomLead--aH0Oblol > div > div"
	loginPollInterval  = time.Second
)

// LoginFlow 交互式登录流程：打开登录页，等待用户扫码完成后导出 cookie。
type LoginFlow struct {
	checker *Checker
}

// NewLoginFlow 创建登录流程。
func NewLoginFlow(checker *Checker) *LoginFlow {
	return &LoginFlow{checker: checker}
}

// Login 执行指定平台的登录并返回 cookie JSON。
// 阻塞直到登录成功或 ctx 取消，应配合有头浏览器使用。
func (f *LoginFlow) Login(ctx context.Context, platform string) (string, error) {
	page, err := newStealthPage(ctx, f.checker.browser, "")
	if err != nil {
		return "", err
	}
	defer page.Close()

	switch platform {
	case "ctrip":
		if err := page.Navigate(f.checker.entrypoint); err != nil {
			return "", fmt.Errorf("navigate ctrip: %w", err)
		}
	case "goofish":
		if err := page.Navigate(goofishHome); err != nil {
			return "", fmt.Errorf("navigate goofish: %w", err)
		}
		if err := page.WaitLoad(); err != nil {
			return "", err
		}
		// 弹出登录框展示二维码
		if btn, err := page.Timeout(5 * time.Second).Element(goofishLoginBtnSel); err == nil {
			_ = btn.Click(proto.InputMouseButtonLeft, 1)
		}
	default:
		return "", fmt.Errorf("unsupported platform %q", platform)
	}
	if err := page.WaitLoad(); err != nil {
		return "", err
	}

	for {
		loggedIn, err := f.isLoggedIn(page, platform)
		if err == nil && loggedIn {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(loginPollInterval):
		}
	}

	return exportCookies(f.checker.browser)
}

func (f *LoginFlow) isLoggedIn(page *rod.Page, platform string) (bool, error) {
	switch platform {
	case "ctrip":
		info, err := page.Info()
		if err != nil {
			return false, err
		}
		return strings.HasPrefix(info.URL, f.checker.entrypoint), nil
	default:
		el, err := page.Timeout(locateProbeWait).Element(goofishNickSel)
		if err != nil {
			return false, err
		}
		nick, err := el.Text()
		if err != nil {
			return false, err
		}
		return nick != "登录", nil
	}
}

func exportCookies(browser *rod.Browser) (string, error) {
	raw, err := browser.GetCookies()
	if err != nil {
		return "", fmt.Errorf("export cookies: %w", err)
	}
	list := make([]cookies.Cookie, 0, len(raw))
	for _, c := range raw {
		list = append(list, cookies.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}
	return cookies.Encode(list)
}
