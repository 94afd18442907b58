// Package im 实现租户的会话自动化引擎：监听闲鱼 IM 入站消息、
// 去抖后用 AI 回复模板自动应答，并由守护循环监控登录态。
package im

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Driftcell/goofish-v2/internal/model"
	"github.com/Driftcell/goofish-v2/internal/pkg/metrics"
	"github.com/Driftcell/goofish-v2/internal/session"
	"github.com/Driftcell/goofish-v2/internal/store"
)

// TaskType 引擎任务类型。
type TaskType int

const (
	TaskSleep TaskType = iota + 1
	TaskSendMessage
	TaskSendImage
	TaskAIReply
)

func (t TaskType) String() string {
	switch t {
	case TaskSleep:
		return "sleep"
	case TaskSendMessage:
		return "send_message"
	case TaskSendImage:
		return "send_image"
	case TaskAIReply:
		return "ai_reply"
	default:
		return "unknown"
	}
}

// Task 引擎队列中的一项任务。Sleep 任务通过 Next 携带延迟后要入队的后续任务。
type Task struct {
	Type      TaskType
	SessionID string
	Sender    string
	Sleep     time.Duration
	Text      string
	ImagePath string
	Next      *Task
}

var (
	// ErrEngineStopped 引擎已停止，不再接受任务。
	ErrEngineStopped = errors.New("im: engine stopped")
	// ErrQueueFull 任务队列已满。
	ErrQueueFull = errors.New("im: task queue full")
)

const (
	defaultWatchInterval    = 30 * time.Second
	defaultReplyDebounce    = 30 * time.Second
	defaultWatchdogInterval = 10 * time.Second
	defaultConvLimit        = 5
	taskQueueCapacity       = 256
)

type receivedKey struct {
	sessionID string
	senderID  string
}

// Engine 单租户会话自动化引擎。
//
// 一个浏览器会话不允许并发驱动，所有对 Driver 的调用都由
// 单一执行器串行发出；Sleep 等待本身异步进行，不阻塞队列。
type Engine struct {
	token  string
	store  *store.Store
	driver session.Driver
	log    *slog.Logger

	// 周期参数，仅测试时覆盖。
	WatchInterval    time.Duration
	ReplyDebounce    time.Duration
	WatchdogInterval time.Duration
	ConvLimit        int

	tasks  chan *Task
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	closed      atomic.Bool
	initialized atomic.Bool

	mu       sync.Mutex
	received map[receivedKey]struct{}
}

// NewEngine 创建引擎，Start 前不持有任何资源。
func NewEngine(token string, st *store.Store, driver session.Driver, log *slog.Logger) *Engine {
	return &Engine{
		token:  token,
		store:  st,
		driver: driver,
		log:    log.With("tenant", token),

		WatchInterval:    defaultWatchInterval,
		ReplyDebounce:    defaultReplyDebounce,
		WatchdogInterval: defaultWatchdogInterval,
		ConvLimit:        defaultConvLimit,

		tasks:    make(chan *Task, taskQueueCapacity),
		done:     make(chan struct{}),
		received: make(map[receivedKey]struct{}),
	}
}

// Start 打开会话并启动执行器、收件箱巡检与登录守护三个循环。
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.driver.OnMessage(func(msg session.InboundMessage) {
		e.intake(runCtx, msg)
	})
	if err := e.driver.Start(runCtx); err != nil {
		cancel()
		return err
	}

	// 先点开一遍会话列表，把历史消息回放写入存储；
	// 回放期间不进入待回复集合，避免启动时的回复风暴。
	if err := e.driver.RefreshConversations(runCtx, e.ConvLimit); err != nil {
		e.log.Warn("initial conversation refresh failed", "err", err)
	}
	e.initialized.Store(true)

	e.wg.Add(3)
	go e.executor(runCtx)
	go e.watcher(runCtx)
	go e.watchdog(runCtx)
	go func() {
		e.wg.Wait()
		e.driver.Stop()
		close(e.done)
	}()

	metrics.RunningEngines.Inc()
	e.log.Info("im engine started")
	return nil
}

// Stop 发送终止哨兵并等待全部循环退出、会话资源释放。
func (e *Engine) Stop() {
	e.terminate()
	<-e.done
}

// Done 引擎终止后关闭（包括守护循环检测到登录失效的终态退出）。
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) terminate() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	select {
	case e.tasks <- nil:
	default:
	}
	e.cancel()
	metrics.RunningEngines.Dec()
}

// Enqueue 向执行器提交一项任务。
func (e *Engine) Enqueue(task *Task) error {
	if e.closed.Load() {
		return ErrEngineStopped
	}
	select {
	case e.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// intake 页面入站消息回调：已持久化的消息静默丢弃，
// 新消息一律落库；非本方消息在初始化完成后进入待回复集合。
func (e *Engine) intake(ctx context.Context, msg session.InboundMessage) {
	exists, err := e.store.HasChatMessage(ctx, e.token, msg.SessionID, msg.SenderID, msg.MessageID)
	if err != nil {
		e.log.Error("chat dedup query failed", "err", err)
		return
	}
	if exists {
		return
	}

	if e.initialized.Load() && !msg.IsMine {
		e.mu.Lock()
		e.received[receivedKey{msg.SessionID, msg.SenderID}] = struct{}{}
		e.mu.Unlock()
	}

	err = e.store.SaveChatMessage(ctx, &model.ChatMessage{
		Token:     e.token,
		SessionID: msg.SessionID,
		MessageID: msg.MessageID,
		SenderID:  msg.SenderID,
		IsMine:    msg.IsMine,
		Timestamp: msg.Timestamp,
		Content:   msg.Content,
	})
	if err != nil {
		e.log.Error("persist chat message failed", "err", err)
		return
	}
	e.log.Info("received new message", "session", msg.SessionID, "sender", msg.SenderID)
}

func (e *Engine) drainReceived() []receivedKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.received) == 0 {
		return nil
	}
	pairs := make([]receivedKey, 0, len(e.received))
	for key := range e.received {
		pairs = append(pairs, key)
	}
	e.received = make(map[receivedKey]struct{})
	return pairs
}

// watcher 收件箱巡检：先巡一遍再按周期触发，每个周期把待回复集合
// 翻译成去抖回复任务，再重新点开会话列表以触发窗口期内新消息的上报。
func (e *Engine) watcher(ctx context.Context) {
	defer e.wg.Done()
	e.sweep(ctx)
	ticker := time.NewTicker(e.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	for _, pair := range e.drainReceived() {
		task := &Task{
			Type:  TaskSleep,
			Sleep: e.ReplyDebounce,
			Next: &Task{
				Type:      TaskAIReply,
				SessionID: pair.sessionID,
				Sender:    pair.senderID,
			},
		}
		if err := e.Enqueue(task); err != nil {
			e.log.Warn("enqueue reply task failed", "session", pair.sessionID, "err", err)
		}
	}
	if err := e.driver.RefreshConversations(ctx, e.ConvLimit); err != nil {
		e.log.Warn("conversation refresh failed", "err", err)
	}
}

// watchdog 登录守护：发现登出即标记租户过期并终止引擎，不自行重启。
func (e *Engine) watchdog(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := e.driver.LoginState(ctx)
			if err != nil {
				e.log.Warn("login state probe failed", "err", err)
				continue
			}
			if state == session.StateLoggedOut {
				e.log.Warn("login expired, terminating engine")
				if err := e.store.MarkTenantExpired(context.WithoutCancel(ctx), e.token); err != nil {
					e.log.Error("mark tenant expired failed", "err", err)
				}
				e.terminate()
				return
			}
		}
	}
}

// executor 单队列 FIFO 执行器，nil 哨兵终止循环。
func (e *Engine) executor(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.tasks:
			if task == nil {
				return
			}
			e.execute(ctx, task)
		}
	}
}

func (e *Engine) execute(ctx context.Context, task *Task) {
	metrics.IMTasksTotal.WithLabelValues(task.Type.String()).Inc()
	switch task.Type {
	case TaskSleep:
		e.sleepTask(ctx, task)
	case TaskSendMessage:
		if err := e.driver.SendText(ctx, task.Sender, task.Text); err != nil {
			e.log.Error("send message failed", "user", task.Sender, "err", err)
		}
	case TaskSendImage:
		if err := e.driver.SendImage(ctx, task.Sender, task.ImagePath); err != nil {
			e.log.Error("send image failed", "user", task.Sender, "err", err)
		}
	case TaskAIReply:
		if err := e.aiReply(ctx, task); err != nil {
			e.log.Error("ai reply failed", "session", task.SessionID, "err", err)
		}
	default:
		e.log.Warn("unknown task type", "type", int(task.Type))
	}
}

// sleepTask 异步等待后把后续任务重新入队，不阻塞执行器。
func (e *Engine) sleepTask(ctx context.Context, task *Task) {
	if task.Next == nil {
		return
	}
	go func() {
		timer := time.NewTimer(task.Sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			if err := e.Enqueue(task.Next); err != nil {
				e.log.Warn("enqueue deferred task failed", "err", err)
			}
		}
	}()
}

// aiReply 读取会话历史，定位会话关联的商品，按回复模板应答。
// 找不到关联商品时以空信息字段渲染模板，而不是失败。
func (e *Engine) aiReply(ctx context.Context, task *Task) error {
	history, err := e.store.ChatHistory(ctx, e.token, task.SessionID)
	if err != nil {
		return err
	}

	item, err := e.resolveItem(ctx, history)
	if err != nil {
		return err
	}
	var withLink, withoutLink string
	if item != nil {
		withLink, withoutLink = replyVariables(item)
	}

	snapshot, err := e.store.BuildConfigSnapshot(ctx, e.token)
	if err != nil {
		return err
	}
	template := snapshot.ReplyTemplate()
	if template == "" {
		e.log.Debug("no reply template configured, skip", "session", task.SessionID)
		return nil
	}

	reply := strings.ReplaceAll(template, "{goods_information}", withLink)
	reply = strings.ReplaceAll(reply, "{goods_content_without_link}", withoutLink)
	return e.driver.SendText(ctx, task.Sender, reply)
}

// resolveItem 从会话历史里定位对话围绕的商品：
// 自最近一条消息起，匹配内容中出现的已合并商品标题。
func (e *Engine) resolveItem(ctx context.Context, history []model.ChatMessage) (*model.MergedItem, error) {
	if len(history) == 0 {
		return nil, nil
	}
	items, err := e.store.ListMergedItems(ctx, e.token)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		content := history[i].Content
		if content == "" {
			continue
		}
		for idx := range items {
			if items[idx].Title != "" && strings.Contains(content, items[idx].Title) {
				return &items[idx], nil
			}
		}
	}
	return nil, nil
}

// replyVariables 生成回复模板的两个变量：带短链的描述行与纯描述行。
func replyVariables(item *model.MergedItem) (withLink, withoutLink string) {
	var linked, plain []string
	for _, su := range model.DecodeShortURLs(item.ShortURLs) {
		linked = append(linked, su.Description+" "+su.ShortURL)
		plain = append(plain, su.Description)
	}
	return strings.Join(linked, "\n"), strings.Join(plain, "\n")
}
