package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// InboundMessage 页面回调上报的一条会话消息。
type InboundMessage struct {
	SessionID string
	MessageID string
	SenderID  string
	IsMine    bool
	Timestamp int64
	Content   string
}

// Driver 会话自动化引擎依赖的浏览器会话操作。
//
// 同一 Driver 的方法不可并发调用，一个浏览器会话同一时刻只能执行一个动作。
type Driver interface {
	// Start 打开 IM 页面并开始上报入站消息。
	Start(ctx context.Context) error
	// Stop 释放页面资源。
	Stop()
	// OnMessage 注册入站消息回调，必须在 Start 之前调用。
	OnMessage(fn func(InboundMessage))
	// LoginState 查询当前登录状态。
	LoginState(ctx context.Context) (LoginState, error)
	// RefreshConversations 依次点开前 limit 个会话，触发未读消息上报。
	RefreshConversations(ctx context.Context, limit int) error
	// SendText 向指定用户发送文本。
	SendText(ctx context.Context, userID, text string) error
	// SendImage 向指定用户发送本地图片文件。
	SendImage(ctx context.Context, userID, imagePath string) error
}

const (
	imURL            = "https://www.goofish.com/im"
	convItemSel      = "#conv-list-scrollable > div > div.rc-virtual-list-holder > div > div > *"
	sendButtonSel    = "#content > div > div > main > div.sendbox--A9eGQCY5 > div.sendbox-bottom--O2c5fyIe > button"
	currentUserSel   = "#content > div > div > main > div.message-topbar--uzL8Czfo > div.right-container--AxSGn7lz > div:nth-child(1) > a"
	personalPrefix   = "https://www.goofish.com/personal?userId="
	imScriptPattern  = "*p_im-index.js*"
	locateProbeWait  = 2 * time.Second
	conversationWait = time.Second
)

// 在消息分发入口插桩，把每条消息转发给暴露的回调函数。
var injectPattern = regexp.MustCompile(`(C5=function\(ee\){)`)

// GoofishDriver 基于浏览器页面驱动闲鱼 IM。
type GoofishDriver struct {
	browser     *rod.Browser
	cookiesJSON string
	log         *slog.Logger

	page      *rod.Page
	router    *rod.HijackRouter
	stopHook  func() error
	onMessage func(InboundMessage)
}

// NewGoofishDriver 创建驱动，Start 前不持有任何页面资源。
func NewGoofishDriver(browser *rod.Browser, cookiesJSON string, log *slog.Logger) *GoofishDriver {
	return &GoofishDriver{browser: browser, cookiesJSON: cookiesJSON, log: log}
}

// OnMessage 实现 Driver。
func (d *GoofishDriver) OnMessage(fn func(InboundMessage)) {
	d.onMessage = fn
}

// Start 实现 Driver：注入消息桥接脚本并打开 IM 页面。
func (d *GoofishDriver) Start(ctx context.Context) error {
	page, err := newStealthPage(ctx, d.browser, d.cookiesJSON)
	if err != nil {
		return err
	}
	d.page = page

	d.router = page.HijackRequests()
	err = d.router.Add(imScriptPattern, proto.NetworkResourceTypeScript, d.patchIMScript)
	if err != nil {
		_ = page.Close()
		return fmt.Errorf("hijack im script: %w", err)
	}
	go d.router.Run()

	stop, err := page.Expose("sendChatMessage", d.handleMessage)
	if err != nil {
		_ = page.Close()
		return fmt.Errorf("expose message bridge: %w", err)
	}
	d.stopHook = stop

	if err := page.Navigate(imURL); err != nil {
		_ = page.Close()
		return fmt.Errorf("navigate im: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		_ = page.Close()
		return fmt.Errorf("load im: %w", err)
	}
	d.log.Info("im session started")
	return nil
}

// Stop 实现 Driver。
func (d *GoofishDriver) Stop() {
	if d.stopHook != nil {
		_ = d.stopHook()
	}
	if d.router != nil {
		_ = d.router.Stop()
	}
	if d.page != nil {
		_ = d.page.Close()
	}
}

// patchIMScript 把站点的 IM 脚本改写为同时调用我们暴露的回调。
func (d *GoofishDriver) patchIMScript(hijack *rod.Hijack) {
	if err := hijack.LoadResponse(http.DefaultClient, true); err != nil {
		d.log.Warn("load im script failed", "err", err)
		return
	}
	original := hijack.Response.Body()
	patched := injectPattern.ReplaceAllString(original, "${1}window.sendChatMessage(ee);")
	hijack.Response.SetBody(patched)
}

func (d *GoofishDriver) handleMessage(g gson.JSON) (interface{}, error) {
	if d.onMessage == nil {
		return nil, nil
	}
	msg := InboundMessage{
		SessionID: g.Get("message.sessionId").Str(),
		MessageID: g.Get("message.messageId").Str(),
		SenderID:  g.Get("message.senderInfo.userId").Str(),
		IsMine:    g.Get("isMyMsg").Bool(),
		Timestamp: int64(g.Get("message.timeStamp").Num()),
		Content:   g.Get("message.reminder.content").Str(),
	}
	if msg.SessionID == "" || msg.MessageID == "" {
		return nil, nil
	}
	d.onMessage(msg)
	return nil, nil
}

// LoginState 实现 Driver：通过页面昵称元素判断登录态。
func (d *GoofishDriver) LoginState(ctx context.Context) (LoginState, error) {
	el, err := d.page.Context(ctx).Timeout(locateProbeWait).Element(goofishNickSel)
	if err != nil {
		return StateUnknown, err
	}
	nick, err := el.Text()
	if err != nil {
		return StateUnknown, err
	}
	if nick == "登录" {
		return StateLoggedOut, nil
	}
	return StateLoggedIn, nil
}

// RefreshConversations 实现 Driver。
func (d *GoofishDriver) RefreshConversations(ctx context.Context, limit int) error {
	items, err := d.conversationItems(ctx)
	if err != nil {
		return err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	for _, item := range items {
		if err := item.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("click conversation: %w", err)
		}
		if err := d.page.WaitLoad(); err != nil {
			return err
		}
		time.Sleep(conversationWait)
	}
	return nil
}

// SendText 实现 Driver。
func (d *GoofishDriver) SendText(ctx context.Context, userID, text string) error {
	if err := d.locateConversation(ctx, userID); err != nil {
		return err
	}
	input, err := d.page.Context(ctx).Element("textarea")
	if err != nil {
		return fmt.Errorf("find input: %w", err)
	}
	if err := input.Input(text); err != nil {
		return fmt.Errorf("fill input: %w", err)
	}
	button, err := d.page.Context(ctx).Element(sendButtonSel)
	if err != nil {
		return fmt.Errorf("find send button: %w", err)
	}
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click send: %w", err)
	}
	return nil
}

// SendImage 实现 Driver。
func (d *GoofishDriver) SendImage(ctx context.Context, userID, imagePath string) error {
	if err := d.locateConversation(ctx, userID); err != nil {
		return err
	}
	input, err := d.page.Context(ctx).Element("input[type=file]")
	if err != nil {
		return fmt.Errorf("find file input: %w", err)
	}
	return input.SetFiles([]string{imagePath})
}

func (d *GoofishDriver) conversationItems(ctx context.Context) (rod.Elements, error) {
	items, err := d.page.Context(ctx).Elements(convItemSel)
	if err != nil {
		return nil, fmt.Errorf("conversation list: %w", err)
	}
	return items, nil
}

// locateConversation 依次点开会话直到顶栏显示目标用户。
func (d *GoofishDriver) locateConversation(ctx context.Context, userID string) error {
	items, err := d.conversationItems(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := item.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("click conversation: %w", err)
		}
		if err := d.page.WaitLoad(); err != nil {
			return err
		}
		if d.currentUserID(ctx) == userID {
			return nil
		}
	}
	return fmt.Errorf("conversation with user %s not found", userID)
}

func (d *GoofishDriver) currentUserID(ctx context.Context) string {
	el, err := d.page.Context(ctx).Timeout(locateProbeWait).Element(currentUserSel)
	if err != nil {
		return ""
	}
	href, err := el.Attribute("href")
	if err != nil || href == nil {
		return ""
	}
	return strings.TrimPrefix(*href, personalPrefix)
}
