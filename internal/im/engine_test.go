package im

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Driftcell/goofish-v2/internal/model"
	"github.com/Driftcell/goofish-v2/internal/session"
	"github.com/Driftcell/goofish-v2/internal/store"
)

type sentText struct {
	user string
	text string
}

type fakeDriver struct {
	mu        sync.Mutex
	onMessage func(session.InboundMessage)
	started   bool
	stopped   bool
	refreshes int
	sent      []sentText
	state     session.LoginState
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{state: session.StateLoggedIn}
}

func (d *fakeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *fakeDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
}

func (d *fakeDriver) OnMessage(fn func(session.InboundMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = fn
}

func (d *fakeDriver) LoginState(ctx context.Context) (session.LoginState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}

func (d *fakeDriver) RefreshConversations(ctx context.Context, limit int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshes++
	return nil
}

func (d *fakeDriver) SendText(ctx context.Context, userID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentText{user: userID, text: text})
	return nil
}

func (d *fakeDriver) SendImage(ctx context.Context, userID, imagePath string) error {
	return nil
}

func (d *fakeDriver) deliver(msg session.InboundMessage) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (d *fakeDriver) sentTexts() []sentText {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sentText, len(d.sent))
	copy(out, d.sent)
	return out
}

func (d *fakeDriver) setState(state session.LoginState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func (d *fakeDriver) refreshCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refreshes
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return st
}

func newTestEngine(t *testing.T, token string) (*Engine, *fakeDriver, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	driver := newFakeDriver()
	engine := NewEngine(token, st, driver, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	engine.WatchInterval = 20 * time.Millisecond
	engine.ReplyDebounce = 10 * time.Millisecond
	engine.WatchdogInterval = 15 * time.Millisecond
	return engine, driver, st
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func setReplyTemplate(t *testing.T, st *store.Store, token, template string) {
	t.Helper()
	value, _ := json.Marshal(map[string]string{"template": template})
	if err := st.SetConfig(context.Background(), token, "reply", value); err != nil {
		t.Fatalf("set reply config: %v", err)
	}
}

func seedMergedItem(t *testing.T, st *store.Store, token, title string) {
	t.Helper()
	item := &model.MergedItem{
		Token:     token,
		ProductID: "item-" + title,
		Title:     title,
		SubName:   title,
		Price:     99,
		ShortURLs: model.EncodeShortURLs([]model.ShortURL{
			{ShortURL: "https://s.example/a", Description: "周末特惠房"},
			{ShortURL: "https://s.example/b", Description: "连住两晚房"},
		}),
	}
	if err := st.UpsertMergedItem(context.Background(), item); err != nil {
		t.Fatalf("seed merged item: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func inbound(sessionID, messageID, senderID, content string) session.InboundMessage {
	return session.InboundMessage{
		SessionID: sessionID,
		MessageID: messageID,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
		Content:   content,
	}
}

func TestWatcherSweepsBeforeFirstTick(t *testing.T) {
	engine, driver, _ := newTestEngine(t, "t-sweep")
	// 周期拉到一小时，确保观察到的第二次刷新来自启动巡检而不是周期触发
	engine.WatchInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	// 一次来自启动时的历史回放，一次来自巡检循环的首轮
	waitFor(t, time.Second, func() bool { return driver.refreshCount() >= 2 },
		"watcher never swept before the first tick")
}

func TestIntakePersistsAndDedups(t *testing.T) {
	engine, _, st := newTestEngine(t, "t1")
	ctx := context.Background()

	msg := inbound("s1", "m1", "u1", "你好")
	engine.intake(ctx, msg)
	engine.intake(ctx, msg)

	history, err := st.ChatHistory(ctx, "t1", "s1")
	if err != nil {
		t.Fatalf("chat history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(history))
	}
	if len(engine.drainReceived()) != 0 {
		t.Fatal("message before first watcher pass must not be buffered")
	}
}

func TestIntakeBuffersAfterInitialization(t *testing.T) {
	engine, _, _ := newTestEngine(t, "t1")
	ctx := context.Background()
	engine.initialized.Store(true)

	engine.intake(ctx, inbound("s1", "m1", "u1", "在吗"))
	engine.intake(ctx, inbound("s1", "m2", "u1", "还在吗"))
	mine := inbound("s1", "m3", "u1", "自动回复")
	mine.IsMine = true
	engine.intake(ctx, mine)

	pairs := engine.drainReceived()
	if len(pairs) != 1 {
		t.Fatalf("expected 1 buffered pair, got %d", len(pairs))
	}
	if pairs[0] != (receivedKey{"s1", "u1"}) {
		t.Fatalf("unexpected pair: %+v", pairs[0])
	}

	// 重复消息不重新入缓冲。
	engine.intake(ctx, inbound("s1", "m1", "u1", "在吗"))
	if len(engine.drainReceived()) != 0 {
		t.Fatal("duplicate message must not re-enter the buffer")
	}
}

func TestAIReplyRendersItemVariables(t *testing.T) {
	engine, driver, st := newTestEngine(t, "t1")
	ctx := context.Background()

	seedMergedItem(t, st, "t1", "北京丽晶酒店特价")
	setReplyTemplate(t, st, "t1", "可选：\n{goods_information}\n简介：{goods_content_without_link}")
	if err := st.SaveChatMessage(ctx, &model.ChatMessage{
		Token: "t1", SessionID: "s1", MessageID: "m1", SenderID: "u1",
		Timestamp: 1, Content: "请问 北京丽晶酒店特价 还有吗",
	}); err != nil {
		t.Fatalf("save chat: %v", err)
	}

	if err := engine.aiReply(ctx, &Task{Type: TaskAIReply, SessionID: "s1", Sender: "u1"}); err != nil {
		t.Fatalf("ai reply: %v", err)
	}

	sent := driver.sentTexts()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(sent))
	}
	if sent[0].user != "u1" {
		t.Fatalf("reply sent to %q", sent[0].user)
	}
	want := "可选：\n周末特惠房 https://s.example/a\n连住两晚房 https://s.example/b\n简介：周末特惠房\n连住两晚房"
	if sent[0].text != want {
		t.Fatalf("reply mismatch:\ngot  %q\nwant %q", sent[0].text, want)
	}
}

func TestAIReplyWithoutItemUsesEmptyFields(t *testing.T) {
	engine, driver, st := newTestEngine(t, "t1")
	ctx := context.Background()

	setReplyTemplate(t, st, "t1", "[{goods_information}][{goods_content_without_link}]")
	if err := st.SaveChatMessage(ctx, &model.ChatMessage{
		Token: "t1", SessionID: "s1", MessageID: "m1", SenderID: "u1",
		Timestamp: 1, Content: "随便问问",
	}); err != nil {
		t.Fatalf("save chat: %v", err)
	}

	if err := engine.aiReply(ctx, &Task{Type: TaskAIReply, SessionID: "s1", Sender: "u1"}); err != nil {
		t.Fatalf("ai reply: %v", err)
	}
	sent := driver.sentTexts()
	if len(sent) != 1 || sent[0].text != "[][]" {
		t.Fatalf("expected empty-field reply, got %+v", sent)
	}
}

func TestAIReplyWithoutTemplateSkips(t *testing.T) {
	engine, driver, _ := newTestEngine(t, "t1")
	if err := engine.aiReply(context.Background(), &Task{Type: TaskAIReply, SessionID: "s1", Sender: "u1"}); err != nil {
		t.Fatalf("ai reply: %v", err)
	}
	if len(driver.sentTexts()) != 0 {
		t.Fatal("no template configured, nothing should be sent")
	}
}

func TestEngineRepliesEndToEnd(t *testing.T) {
	engine, driver, st := newTestEngine(t, "t1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setReplyTemplate(t, st, "t1", "自动回复：{goods_content_without_link}")
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer engine.Stop()

	driver.deliver(inbound("s1", "m1", "u9", "想订房"))

	waitFor(t, 2*time.Second, func() bool {
		return len(driver.sentTexts()) >= 1
	}, "reply never sent")
	sent := driver.sentTexts()
	if sent[0].user != "u9" {
		t.Fatalf("reply sent to %q", sent[0].user)
	}
	if sent[0].text != "自动回复：" {
		t.Fatalf("unexpected reply %q", sent[0].text)
	}
}

func TestWatchdogMarksExpiredAndTerminates(t *testing.T) {
	engine, driver, st := newTestEngine(t, "t1")
	ctx := context.Background()
	if err := st.UpsertTenant(ctx, "t1", "[]", "[]"); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}

	driver.setState(session.StateLoggedOut)

	select {
	case <-engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not terminate after logout")
	}

	tenant, err := st.GetTenant(ctx, "t1")
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if !tenant.Expired {
		t.Fatal("tenant should be marked expired")
	}
	driver.mu.Lock()
	stopped := driver.stopped
	driver.mu.Unlock()
	if !stopped {
		t.Fatal("driver should be released after termination")
	}
}

func TestStopReleasesAndRejectsTasks(t *testing.T) {
	engine, driver, _ := newTestEngine(t, "t1")
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	engine.Stop()

	driver.mu.Lock()
	stopped := driver.stopped
	driver.mu.Unlock()
	if !stopped {
		t.Fatal("driver not stopped")
	}
	if err := engine.Enqueue(&Task{Type: TaskSendMessage}); err != ErrEngineStopped {
		t.Fatalf("expected ErrEngineStopped, got %v", err)
	}
}

func TestSupervisorOneEnginePerTenant(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 1; i <= 2; i++ {
		token := fmt.Sprintf("t%d", i)
		if err := st.UpsertTenant(ctx, token, "[]", "[]"); err != nil {
			t.Fatalf("seed tenant: %v", err)
		}
	}

	sup := NewSupervisor(st, func(tenant *model.Tenant) session.Driver {
		return newFakeDriver()
	}, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	sup.PollInterval = 10 * time.Millisecond
	sup.Configure = func(e *Engine) {
		e.WatchInterval = 20 * time.Millisecond
		e.WatchdogInterval = 15 * time.Millisecond
	}

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return len(sup.Running()) == 2
	}, "engines never started for both tenants")

	// 重复巡检不会多启动实例。
	time.Sleep(50 * time.Millisecond)
	if n := len(sup.Running()); n != 2 {
		t.Fatalf("expected 2 engines, got %d", n)
	}

	if err := st.MarkTenantExpired(ctx, "t1"); err != nil {
		t.Fatalf("expire tenant: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		running := sup.Running()
		return len(running) == 1 && running[0] == "t2"
	}, "expired tenant engine not reaped")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
	if len(sup.Running()) != 0 {
		t.Fatal("engines still registered after shutdown")
	}
}
