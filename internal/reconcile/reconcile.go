// Package reconcile 将租户配置对齐到调度器状态。
//
// 对账以数据库中的配置为准：配置齐备且租户有效则保证恰有一个周期任务，
// 间隔或内容变化时替换任务，租户失效或配置缺失时撤销任务。对账幂等，
// 重复执行不产生额外副作用。
package reconcile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Driftcell/goofish-v2/internal/scheduler"
	"github.com/Driftcell/goofish-v2/internal/store"
)

// Action 一次对账对调度器做出的动作。
type Action string

const (
	ActionRegistered Action = "registered" // 新注册任务
	ActionReplaced   Action = "replaced"   // 替换了已有任务
	ActionUnchanged  Action = "unchanged"  // 配置无变化，空操作
	ActionRemoved    Action = "removed"    // 撤销了任务
	ActionNotReady   Action = "not_ready"  // 配置不齐备且原本无任务
)

// JobFactory 为租户构造周期任务体。
type JobFactory func(token string) scheduler.Job

// Reconciler 租户配置对账器。
type Reconciler struct {
	store *store.Store
	sched *scheduler.Scheduler
	jobs  JobFactory
	log   *slog.Logger
}

// New 创建对账器。
func New(st *store.Store, sched *scheduler.Scheduler, jobs JobFactory, log *slog.Logger) *Reconciler {
	return &Reconciler{store: st, sched: sched, jobs: jobs, log: log}
}

// Reconcile 对单个租户执行一轮对账并返回采取的动作。
func (r *Reconciler) Reconcile(ctx context.Context, token string) (Action, error) {
	tenant, err := r.store.GetTenant(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r.remove(token), nil
		}
		return "", fmt.Errorf("load tenant: %w", err)
	}
	if tenant.Expired {
		return r.remove(token), nil
	}

	snapshot, err := r.store.BuildConfigSnapshot(ctx, token)
	if err != nil {
		return "", fmt.Errorf("build snapshot: %w", err)
	}
	if !snapshot.Complete() {
		r.log.Info("config incomplete, tenant not scheduled",
			"token", token, "missing", snapshot.MissingKeys())
		if r.remove(token) == ActionRemoved {
			return ActionRemoved, nil
		}
		return ActionNotReady, nil
	}

	interval := time.Duration(snapshot.IntervalSeconds()) * time.Second
	hash, err := snapshotHash(snapshot)
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}

	curInterval, curHash, exists := r.sched.Current(token)
	if exists && curInterval == interval && curHash == hash {
		return ActionUnchanged, nil
	}

	r.sched.Schedule(token, interval, hash, r.jobs(token))
	if exists {
		r.log.Info("job replaced", "token", token, "interval", interval)
		return ActionReplaced, nil
	}
	r.log.Info("job registered", "token", token, "interval", interval)
	return ActionRegistered, nil
}

// ReconcileAll 对所有未过期租户执行对账，进程启动时恢复调度状态。
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	tenants, err := r.store.ListActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	for _, tenant := range tenants {
		if _, err := r.Reconcile(ctx, tenant.Token); err != nil {
			r.log.Error("reconcile failed", "token", tenant.Token, "err", err)
		}
	}
	return nil
}

func (r *Reconciler) remove(token string) Action {
	if _, _, ok := r.sched.Current(token); !ok {
		return ActionNotReady
	}
	r.sched.Cancel(token)
	return ActionRemoved
}

// snapshotHash 计算配置内容的稳定哈希：键排序、值压缩后拼接。
// 哈希只在内存中比较，从不持久化。
func snapshotHash(snapshot store.ConfigSnapshot) (string, error) {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		var compact bytes.Buffer
		if err := json.Compact(&compact, snapshot[k]); err != nil {
			return "", fmt.Errorf("compact %s: %w", k, err)
		}
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(compact.Bytes())
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
