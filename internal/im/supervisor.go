package im

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Driftcell/goofish-v2/internal/model"
	"github.com/Driftcell/goofish-v2/internal/session"
	"github.com/Driftcell/goofish-v2/internal/store"
)

// DriverFactory 为租户创建会话驱动。
type DriverFactory func(tenant *model.Tenant) session.Driver

const defaultPollInterval = 5 * time.Second

// Supervisor 保证每个未过期租户恰好运行一个会话自动化引擎：
// 周期巡检租户表，为新租户启动引擎，回收已过期或已终止的引擎。
type Supervisor struct {
	store     *store.Store
	newDriver DriverFactory
	log       *slog.Logger

	// PollInterval 巡检周期，仅测试时覆盖。
	PollInterval time.Duration
	// Configure 在引擎启动前调整其参数，可为 nil。
	Configure func(*Engine)

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewSupervisor 创建监督器。
func NewSupervisor(st *store.Store, newDriver DriverFactory, log *slog.Logger) *Supervisor {
	return &Supervisor{
		store:        st,
		newDriver:    newDriver,
		log:          log,
		PollInterval: defaultPollInterval,
		engines:      make(map[string]*Engine),
	}
}

// Run 阻塞运行巡检循环，直到 ctx 取消；退出前停掉全部引擎。
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.StopAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// Running 返回当前持有引擎的租户令牌（测试与诊断用）。
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := make([]string, 0, len(s.engines))
	for token := range s.engines {
		tokens = append(tokens, token)
	}
	return tokens
}

func (s *Supervisor) reconcile(ctx context.Context) {
	tenants, err := s.store.ListActiveTenants(ctx)
	if err != nil {
		s.log.Error("list active tenants failed", "err", err)
		return
	}
	active := make(map[string]*model.Tenant, len(tenants))
	for i := range tenants {
		active[tenants[i].Token] = &tenants[i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 回收：租户过期/消失的引擎主动停掉；自行终止的引擎只摘除。
	for token, engine := range s.engines {
		select {
		case <-engine.Done():
			s.log.Info("engine terminated, removing", "tenant", token)
			delete(s.engines, token)
			continue
		default:
		}
		if _, ok := active[token]; !ok {
			s.log.Info("tenant no longer active, stopping engine", "tenant", token)
			engine.Stop()
			delete(s.engines, token)
		}
	}

	// 补齐：未持有引擎的活跃租户各启动一个。
	for token, tenant := range active {
		if _, ok := s.engines[token]; ok {
			continue
		}
		engine := NewEngine(token, s.store, s.newDriver(tenant), s.log)
		if s.Configure != nil {
			s.Configure(engine)
		}
		if err := engine.Start(ctx); err != nil {
			s.log.Error("start engine failed", "tenant", token, "err", err)
			continue
		}
		s.engines[token] = engine
	}
}

// StopAll 停掉全部引擎并清空登记表。
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, engine := range s.engines {
		engine.Stop()
		delete(s.engines, token)
	}
}
