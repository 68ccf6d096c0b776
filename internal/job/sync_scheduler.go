package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cardledger/internal/config"
	"cardledger/internal/infrastructure/lock"
	"cardledger/internal/metrics"
	"cardledger/internal/provider"
	"cardledger/internal/service"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	JobAuthPreviousDay   = "auth_previous_day"
	JobSettlePreviousDay = "settle_previous_day"
	JobAuthCurrentDay    = "auth_current_day"
	JobSettleCurrentDay  = "settle_current_day"
)

const (
	SyncTypeAuth   = "auth"
	SyncTypeSettle = "settle"
	SyncTypeAll    = "all"
)

const dateLayout = "2006-01-02"

// 分页保护，渠道异常时不会无限翻页
const maxPages = 10000

var (
	ErrUnknownJob     = errors.New("UNKNOWN_JOB")
	ErrJobRunning     = errors.New("JOB_RUNNING")
	ErrInvalidSyncReq = errors.New("INVALID_SYNC_REQUEST")
)

// TryLocker 跨实例互斥，多副本部署时同一个任务只有一个实例在跑
type TryLocker interface {
	TryAcquire(ctx context.Context, key string) (func(), bool, error)
}

// JobStatus 最近一次运行情况
type JobStatus struct {
	Name         string            `json:"name"`
	Schedule     string            `json:"schedule"`
	Running      bool              `json:"running"`
	LastRunAt    time.Time         `json:"last_run_at,omitempty"`
	LastDuration string            `json:"last_duration,omitempty"`
	LastStats    service.SyncStats `json:"last_stats"`
	LastError    string            `json:"last_error,omitempty"`
	NextRunAt    time.Time         `json:"next_run_at,omitempty"`
}

type syncJob struct {
	name      string
	kind      string
	dayOffset int
	schedule  string
	entryID   cron.EntryID

	run    sync.Mutex
	mu     sync.Mutex
	status JobStatus
}

// SyncScheduler 定时从渠道拉授权与清算列表补齐本地交易
//
// 前一日任务兜底 webhook 丢失，当日任务缩短延迟。同名任务不会重叠，
// 不同任务可以并发，重复数据由 txn_id 唯一约束吸收。
type SyncScheduler struct {
	reconciler *service.Reconciler
	client     provider.Client
	locker     TryLocker
	cfg        config.SchedulerConfig
	loc        *time.Location
	cron       *cron.Cron
	jobs       map[string]*syncJob
	metrics    *metrics.Metrics
	log        *slog.Logger

	now func() time.Time
	ctx context.Context
}

func NewSyncScheduler(reconciler *service.Reconciler, client provider.Client, locker TryLocker, cfg config.SchedulerConfig, m *metrics.Metrics, log *slog.Logger) (*SyncScheduler, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "Asia/Shanghai"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("加载时区失败 %s: %w", tz, err)
	}
	previous := cfg.PreviousDayCron
	if previous == "" {
		previous = "5 0 * * *"
	}
	current := cfg.CurrentDayCron
	if current == "" {
		current = "0 13 * * *"
	}

	s := &SyncScheduler{
		reconciler: reconciler,
		client:     client,
		locker:     locker,
		cfg:        cfg,
		loc:        loc,
		cron:       cron.New(cron.WithLocation(loc)),
		jobs:       make(map[string]*syncJob),
		metrics:    m,
		log:        log,
		now:        time.Now,
		ctx:        context.Background(),
	}
	for _, j := range []*syncJob{
		{name: JobAuthPreviousDay, kind: SyncTypeAuth, dayOffset: -1, schedule: previous},
		{name: JobSettlePreviousDay, kind: SyncTypeSettle, dayOffset: -1, schedule: previous},
		{name: JobAuthCurrentDay, kind: SyncTypeAuth, dayOffset: 0, schedule: current},
		{name: JobSettleCurrentDay, kind: SyncTypeSettle, dayOffset: 0, schedule: current},
	} {
		j.status.Name = j.name
		j.status.Schedule = j.schedule
		s.jobs[j.name] = j
	}
	return s, nil
}

// Start 注册 cron 并启动，未开启时只保留手动触发
func (s *SyncScheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Info("[SyncScheduler] 定时同步未开启，仅支持手动触发")
		return nil
	}
	for _, j := range s.jobs {
		j := j
		id, err := s.cron.AddFunc(j.schedule, func() {
			if _, err := s.runJob(s.ctx, j); err != nil && !errors.Is(err, ErrJobRunning) {
				s.log.Error("[SyncScheduler] 定时同步失败", "job", j.name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("注册任务 %s 失败: %w", j.name, err)
		}
		j.entryID = id
	}
	s.cron.Start()
	s.log.Info("[SyncScheduler] 定时同步启动", "timezone", s.loc.String(), "jobs", len(s.jobs))
	return nil
}

// Stop 停止调度并等待正在运行的任务结束
func (s *SyncScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("[SyncScheduler] 定时同步停止")
}

// Trigger 手动重跑一个命名任务
func (s *SyncScheduler) Trigger(ctx context.Context, name string) (service.SyncStats, error) {
	j, ok := s.jobs[name]
	if !ok {
		return service.SyncStats{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.runJob(ctx, j)
}

// SyncRange 按日期区间补数，日期按调用方给的日历日取，all 时授权与清算并发拉取
func (s *SyncScheduler) SyncRange(ctx context.Context, kind string, start, end time.Time) (service.SyncStats, error) {
	if end.Before(start) {
		return service.SyncStats{}, fmt.Errorf("%w: 结束日期早于开始日期", ErrInvalidSyncReq)
	}
	q := provider.ListQuery{DateStart: start.Format(dateLayout), DateEnd: end.Format(dateLayout)}

	var kinds []string
	switch kind {
	case SyncTypeAuth, SyncTypeSettle:
		kinds = []string{kind}
	case SyncTypeAll:
		kinds = []string{SyncTypeAuth, SyncTypeSettle}
	default:
		return service.SyncStats{}, fmt.Errorf("%w: 同步类型 %q", ErrInvalidSyncReq, kind)
	}

	results := make([]service.SyncStats, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range kinds {
		i, k := i, k
		g.Go(func() error {
			started := time.Now()
			stats, err := s.pull(gctx, k, q)
			results[i] = stats
			s.metrics.ObserveSync("range_"+k, time.Since(started), statItems(stats), err)
			return err
		})
	}
	err := g.Wait()

	var total service.SyncStats
	for _, r := range results {
		total.Add(r)
	}
	s.log.Info("[SyncScheduler] 区间同步完成", "type", kind,
		"date_start", q.DateStart, "date_end", q.DateEnd,
		"total", total.Total, "inserted", total.Inserted, "merged", total.Merged,
		"skipped", total.Skipped, "errors", total.Errors)
	return total, err
}

// Location 调度使用的时区，手动补数的日期也按它解析
func (s *SyncScheduler) Location() *time.Location {
	return s.loc
}

// Status 各任务最近一次运行情况，按名称排序
func (s *SyncScheduler) Status() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		st := j.status
		j.mu.Unlock()
		if j.entryID != 0 {
			st.NextRunAt = s.cron.Entry(j.entryID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *SyncScheduler) runJob(ctx context.Context, j *syncJob) (service.SyncStats, error) {
	if !j.run.TryLock() {
		s.log.Warn("[SyncScheduler] 任务仍在运行，跳过本次", "job", j.name)
		return service.SyncStats{}, ErrJobRunning
	}
	defer j.run.Unlock()

	if s.locker != nil {
		release, ok, err := s.locker.TryAcquire(ctx, lock.SyncJobKey(j.name))
		if err != nil {
			return service.SyncStats{}, err
		}
		if !ok {
			s.log.Info("[SyncScheduler] 其他实例正在运行，跳过本次", "job", j.name)
			return service.SyncStats{}, ErrJobRunning
		}
		defer release()
	}

	day := s.now().In(s.loc).AddDate(0, 0, j.dayOffset).Format(dateLayout)
	started := time.Now()
	j.setRunning(started)

	stats, err := s.pull(ctx, j.kind, provider.ListQuery{DateStart: day, DateEnd: day})
	elapsed := time.Since(started)
	j.finish(elapsed, stats, err)
	s.metrics.ObserveSync(j.name, elapsed, statItems(stats), err)

	attrs := []any{"job", j.name, "date", day, "elapsed", elapsed.String(),
		"total", stats.Total, "inserted", stats.Inserted, "merged", stats.Merged,
		"skipped", stats.Skipped, "errors", stats.Errors}
	if err != nil {
		s.log.Error("[SyncScheduler] 同步中断", append(attrs, "error", err)...)
		return stats, err
	}
	s.log.Info("[SyncScheduler] 同步完成", attrs...)
	return stats, nil
}

// pull 从第 1 页拉到空页为止
func (s *SyncScheduler) pull(ctx context.Context, kind string, q provider.ListQuery) (service.SyncStats, error) {
	var stats service.SyncStats
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		q.Page = page

		var (
			n   int
			err error
		)
		switch kind {
		case SyncTypeAuth:
			var p *provider.AuthPage
			if p, err = s.client.GetAuthList(ctx, q); err == nil {
				n = len(p.Items)
				stats.Add(s.reconciler.ProcessAuthList(ctx, p.Items))
			}
		case SyncTypeSettle:
			var p *provider.SettlePage
			if p, err = s.client.GetSettleList(ctx, q); err == nil {
				n = len(p.Items)
				stats.Add(s.reconciler.ProcessSettleList(ctx, p.Items))
			}
		}
		if err != nil {
			return stats, fmt.Errorf("拉取%s列表第 %d 页失败: %w", kind, page, err)
		}
		if n == 0 {
			return stats, nil
		}
	}
	s.log.Warn("[SyncScheduler] 达到最大页数，停止翻页", "type", kind, "date_start", q.DateStart)
	return stats, nil
}

func (j *syncJob) setRunning(at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Running = true
	j.status.LastRunAt = at
}

func (j *syncJob) finish(elapsed time.Duration, stats service.SyncStats, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Running = false
	j.status.LastDuration = elapsed.String()
	j.status.LastStats = stats
	j.status.LastError = ""
	if err != nil {
		j.status.LastError = err.Error()
	}
}

func statItems(s service.SyncStats) map[string]int {
	return map[string]int{
		"inserted": s.Inserted,
		"merged":   s.Merged,
		"skipped":  s.Skipped,
		"errors":   s.Errors,
	}
}
