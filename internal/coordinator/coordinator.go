// ============================================================================
// Stagecoach 協調器 - 系統核心
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 持有每個 pipeline 的 Tracker、Callback Token Registry、WAL 與快照，
//       並運行背景循環。HTTP / gRPC / CLI / Orchestrator 都通過它操作狀態。
//
// 組件:
//   - Tracker (每個 pipeline 一個): 任務進度狀態機
//   - Registry: 一次性回調 token
//   - WAL: 兩者共用的 write-ahead journal
//   - Snapshot: 定期保存完整狀態，縮短恢復時間
//   - Listeners: bus 發佈、archive 記錄、metrics
//
// 背景循環:
//   1. Sweep Loop    - 過期 token 標記為 expired，回報孤兒任務，清理舊記錄
//   2. Snapshot Loop - 定期快照並輪轉 WAL
//   3. Bus consume   - 有 Subscriber 時，把 bus 上的進度事件送入 Tracker
//
// 崩潰恢復 (Start):
//   1. loadSnapshot() - 載入快照並 Restore
//   2. replayWAL()    - 重放 seq > snapshot.LastSeq 的記錄 (Apply 是冪等的)
//   3. 記錄恢復時間，啟動循環
//
// 快照一致性:
//   Rotate -> Export -> Write(LastSeq = 輪轉時的 seq) -> RemoveSegments
//   輪轉之後寫入的記錄可能已經在快照裡，重放時會被冪等跳過。
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/archive"
	"github.com/ChuLiYu/stagecoach/internal/bus"
	"github.com/ChuLiYu/stagecoach/internal/metrics"
	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/internal/router"
	"github.com/ChuLiYu/stagecoach/internal/snapshot"
	"github.com/ChuLiYu/stagecoach/internal/stage"
	"github.com/ChuLiYu/stagecoach/internal/storage/wal"
	"github.com/ChuLiYu/stagecoach/internal/tokens"
	"github.com/ChuLiYu/stagecoach/internal/tracker"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "coordinator")

var ErrStopped = errors.New("coordinator stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Coordinator 配置
type Config struct {
	WALPath          string
	WAL              wal.Options
	SnapshotPath     string
	SnapshotInterval time.Duration // 0 關閉定期快照
	SnapshotBackups  int

	DefaultTTL    time.Duration // IssueToken 未指定 TTL 時使用
	SweepInterval time.Duration // 0 關閉 sweep 循環
	Retention     time.Duration // 已結算 token 保留多久
	FailOnExpiry  bool          // token 過期時把任務移到 failure stage

	Namespace string // bus namespace, <prefix>-<env>
	Source    string // envelope source
}

// Status 運行狀態摘要
type Status struct {
	Uptime       time.Duration                      `json:"uptime"`
	Jobs         map[string]map[string]int          `json:"jobs"` // pipeline -> active/completed/failed
	Tokens       map[types.TokenState]int           `json:"tokens"`
	WALSeq       uint64                             `json:"wal_seq"`
	LastSnapshot time.Time                          `json:"last_snapshot"`
	RecoveryTime time.Duration                      `json:"recovery_time"`
	Pipelines    []string                           `json:"pipelines"`
	Stages       map[string]map[types.StageName]int `json:"stages,omitempty"` // pipeline -> stage -> jobs currently there
}

// Coordinator 核心協調器
type Coordinator struct {
	cfg      Config
	pipes    pipeline.Set
	trackers map[string]*tracker.Tracker
	tokens   *tokens.Registry
	wal      *wal.WAL
	snapshot *snapshot.Manager

	publisher  bus.Publisher
	subscriber bus.Subscriber
	sub        bus.Subscription
	metrics    *metrics.Collector
	archive    archive.Archive
	recorder   *archive.Recorder
	router     *router.Router
	now        func() time.Time

	mu           sync.Mutex // 保護以下欄位
	started      bool
	stopped      bool
	startTime    time.Time
	lastSnapshot time.Time
	recoveryTime time.Duration

	snapMu  sync.Mutex // 同一時間只做一個快照
	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	consume context.CancelFunc
}

// Option 可選組件
type Option func(*Coordinator)

// WithPublisher 每個被接受的事件都發佈到 bus
func WithPublisher(p bus.Publisher) Option { return func(c *Coordinator) { c.publisher = p } }

// WithSubscriber 從 bus 消費其他組件推送的事件
func WithSubscriber(s bus.Subscriber) Option { return func(c *Coordinator) { c.subscriber = s } }

func WithMetrics(m *metrics.Collector) Option { return func(c *Coordinator) { c.metrics = m } }

// WithArchive 事件歸檔到 Postgres / SQLite，並用於歷史查詢
func WithArchive(a archive.Archive) Option { return func(c *Coordinator) { c.archive = a } }

func WithRouter(r *router.Router) Option { return func(c *Coordinator) { c.router = r } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Coordinator，開啟 WAL 並為每個 pipeline 建立 Tracker。
// 狀態在 Start 之前是空的。
func New(cfg Config, pipes pipeline.Set, opts ...Option) (*Coordinator, error) {
	if len(pipes) == 0 {
		return nil, fmt.Errorf("%w: no pipelines configured", pipeline.ErrInvalidPipeline)
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}

	c := &Coordinator{
		cfg:      cfg,
		pipes:    pipes,
		trackers: make(map[string]*tracker.Tracker, len(pipes)),
		snapshot: snapshot.NewManager(cfg.SnapshotPath),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.router == nil {
		r, err := router.New(router.Config{})
		if err != nil {
			return nil, err
		}
		c.router = r
	}

	w, err := wal.Open(cfg.WALPath, cfg.WAL)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	c.wal = w

	c.tokens = tokens.NewRegistry(tokens.WithJournal(w), tokens.WithClock(c.now))

	if c.archive != nil {
		c.recorder = archive.NewRecorder(c.archive, 1024)
	}
	for name, p := range pipes {
		topts := []tracker.Option{
			tracker.WithJournal(w),
			tracker.WithClock(c.now),
			tracker.WithListener(tracker.ListenerFunc(c.onProgress)),
		}
		if c.recorder != nil {
			topts = append(topts, tracker.WithListener(c.recorder))
		}
		c.trackers[name] = tracker.New(p, topts...)
	}
	return c, nil
}

// Start 恢復狀態並啟動背景循環
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.startTime = c.now()
	c.mu.Unlock()

	begin := time.Now()

	// ========== 恢復階段 ==========
	// 恢復失敗時不可在 Stop 寫入半成品快照
	lastSeq, err := c.loadSnapshot()
	if err != nil {
		c.abortStart()
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	replayed, err := c.replayWAL(lastSeq)
	if err != nil {
		c.abortStart()
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	recovery := time.Since(begin)
	c.mu.Lock()
	c.recoveryTime = recovery
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetRecoveryTime(recovery)
	}
	log.WithFields(logrus.Fields{
		"snapshot_seq": lastSeq,
		"replayed":     replayed,
		"wal_seq":      c.wal.LastSeq(),
		"recovery":     recovery,
	}).Info("recovery complete")
	c.refreshGauges()

	// ========== 啟動階段 ==========
	if c.recorder != nil {
		c.recorder.Start()
	}
	if c.cfg.SweepInterval > 0 {
		c.loopWg.Add(1)
		go c.sweepLoop()
	}
	if c.cfg.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}
	if c.subscriber != nil {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := c.subscriber.Subscribe(ctx, c.consumeEnvelope)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe: %w", err)
		}
		c.sub = sub
		c.consume = cancel
	}
	return nil
}

func (c *Coordinator) abortStart() {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

// loadSnapshot 從快照恢復，返回快照包含的最後 WAL seq
func (c *Coordinator) loadSnapshot() (uint64, error) {
	data, err := c.snapshot.Load()
	if err != nil {
		return 0, err
	}

	for name, jobs := range data.Jobs {
		if _, ok := c.trackers[name]; !ok && len(jobs) > 0 {
			log.WithField("pipeline", name).Warn("snapshot holds jobs for an unconfigured pipeline, skipping")
		}
	}
	for name, tr := range c.trackers {
		tr.Restore(data.Jobs[name])
	}
	c.tokens.Restore(data.Tokens)
	c.wal.AdvanceTo(data.LastSeq)
	return data.LastSeq, nil
}

// replayWAL 重放快照之後的記錄
func (c *Coordinator) replayWAL(after uint64) (int, error) {
	replayed := 0
	err := c.wal.ReplayAll(func(ev wal.Event) error {
		if ev.Seq <= after {
			return nil
		}
		if err := c.applyRecord(ev); err != nil {
			return err
		}
		replayed++
		return nil
	})
	return replayed, err
}

func (c *Coordinator) applyRecord(ev wal.Event) error {
	switch ev.Type {
	case wal.EventProgress:
		var pe types.ProgressEvent
		if err := ev.Decode(&pe); err != nil {
			return fmt.Errorf("seq %d: %w", ev.Seq, err)
		}
		tr, ok := c.trackers[pe.Pipeline]
		if !ok {
			log.WithFields(logrus.Fields{"seq": ev.Seq, "pipeline": pe.Pipeline}).Warn("record for unconfigured pipeline, skipping")
			return nil
		}
		tr.Apply(pe)
	case wal.EventTokenIssued, wal.EventTokenRedeemed, wal.EventTokenExpired:
		var rec types.TokenRecord
		if err := ev.Decode(&rec); err != nil {
			return fmt.Errorf("seq %d: %w", ev.Seq, err)
		}
		c.tokens.Apply(rec)
	default:
		log.WithFields(logrus.Fields{"seq": ev.Seq, "type": ev.Type}).Warn("unknown record type, skipping")
	}
	return nil
}

// Stop 停止所有循環，寫最後一個快照並關閉 WAL
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	close(c.stopCh)
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			log.WithError(err).Warn("unsubscribe failed")
		}
		c.consume()
	}
	c.loopWg.Wait()
	if c.recorder != nil {
		c.recorder.Stop()
	}

	var snapErr error
	if started {
		snapErr = c.takeSnapshot()
	}
	if err := c.wal.Close(); err != nil {
		return fmt.Errorf("close WAL: %w", err)
	}
	log.Info("coordinator stopped")
	return snapErr
}

func (c *Coordinator) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// ============================================================================
// 背景循環
// ============================================================================

func (c *Coordinator) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.WithError(err).Error("snapshot failed")
			}
		}
	}
}

// takeSnapshot 輪轉 WAL，導出狀態，寫快照，刪除已被覆蓋的 segment
func (c *Coordinator) takeSnapshot() (err error) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordSnapshot(err)
		}
	}()

	if _, err := c.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate WAL: %w", err)
	}
	seq := c.wal.LastSeq()

	data := types.SnapshotData{
		Jobs:    make(map[string]map[types.JobID]*types.JobState, len(c.trackers)),
		Tokens:  c.tokens.Export(),
		LastSeq: seq,
	}
	for name, tr := range c.trackers {
		data.Jobs[name] = tr.Export()
	}

	if err := c.snapshot.WriteWithBackup(data, c.cfg.SnapshotBackups); err != nil {
		return err
	}
	removed, err := c.wal.RemoveSegments(seq)
	if err != nil {
		log.WithError(err).Warn("failed to remove WAL segments")
	}

	c.mu.Lock()
	c.lastSnapshot = c.now()
	c.mu.Unlock()

	log.WithFields(logrus.Fields{"seq": seq, "tokens": len(data.Tokens), "segments_removed": removed}).Debug("snapshot written")
	return nil
}

// TakeSnapshot 立即寫快照
func (c *Coordinator) TakeSnapshot() error {
	if c.isStopped() {
		return ErrStopped
	}
	return c.takeSnapshot()
}

func (c *Coordinator) sweepLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep 處理過期 token，清理舊記錄並刷新 gauge
func (c *Coordinator) sweep() {
	now := c.now()
	for _, rec := range c.tokens.Sweep(now) {
		c.orphaned(rec)
	}
	if c.cfg.Retention > 0 {
		if n := c.tokens.Prune(now.Add(-c.cfg.Retention)); n > 0 {
			log.WithField("pruned", n).Debug("settled tokens pruned")
		}
	}
	c.refreshGauges()
}

// orphaned 回報一個過期的 pending token：日誌、metric，以及可選地讓任務失敗
func (c *Coordinator) orphaned(rec types.TokenRecord) {
	log.WithFields(logrus.Fields{
		"job_id":   rec.JobID,
		"pipeline": rec.Pipeline,
		"stage":    rec.Stage,
		"work":     rec.Work,
		"work_id":  rec.WorkID,
	}).Warn("callback token expired before redemption")
	if c.metrics != nil {
		c.metrics.RecordTokenExpired()
	}
	if !c.cfg.FailOnExpiry {
		return
	}

	tr, ok := c.trackers[rec.Pipeline]
	if !ok {
		return
	}
	msg := fmt.Sprintf("callback for %s expired", rec.Stage)
	if _, err := tr.Fail(context.Background(), rec.JobID, "expired", msg); err != nil {
		log.WithError(err).WithField("job_id", rec.JobID).Debug("could not fail job for expired token")
	}
}

func (c *Coordinator) refreshGauges() {
	if c.metrics == nil {
		return
	}
	for name, tr := range c.trackers {
		c.metrics.SetActiveJobs(name, tr.Stats()["active"])
	}
	c.metrics.SetPendingTokens(len(c.tokens.Pending()))
}

// ============================================================================
// 事件監聽與 bus
// ============================================================================

// onProgress 在事件被接受後執行 (持有該任務的鎖)
func (c *Coordinator) onProgress(ev types.ProgressEvent, snap types.JobSnapshot) {
	if c.metrics != nil && snap.Terminal {
		result := "completed"
		if snap.Failed {
			result = "failed"
		}
		c.metrics.RecordTerminal(ev.Pipeline, result)
	}
	if c.publisher == nil {
		return
	}

	env := bus.NewEnvelope(c.cfg.Namespace, c.cfg.Source, c.detailType(ev), ev)
	if err := c.publisher.Publish(context.Background(), env); err != nil {
		// 事件已經持久化，發佈失敗不影響接受結果
		log.WithError(err).WithFields(logrus.Fields{"job_id": ev.JobID, "detail_type": env.DetailType}).Warn("publish accepted event failed")
		if c.metrics != nil {
			c.metrics.RecordPublishFailure()
		}
	}
}

func (c *Coordinator) detailType(ev types.ProgressEvent) string {
	p, ok := c.pipes[ev.Pipeline]
	if !ok {
		return string(ev.Stage)
	}
	if ev.Stage == p.FailureStage {
		return p.FailureDetailType
	}
	if s, ok := p.Stage(ev.Stage); ok {
		return s.DetailType
	}
	return string(ev.Stage)
}

// consumeEnvelope 把 bus 上的事件送入 Tracker。帶 event id 的 envelope
// 是已被接受的事件通知，忽略。
func (c *Coordinator) consumeEnvelope(ctx context.Context, env bus.Envelope) error {
	ev := env.Detail
	if ev.EventID != "" {
		return nil
	}
	_, err := c.Advance(ctx, ev.Pipeline, tracker.Request{
		JobID:      ev.JobID,
		Stage:      ev.Stage,
		Status:     ev.Status,
		Percentage: ev.Percentage,
		Message:    ev.Message,
	})
	if errors.Is(err, tracker.ErrOutOfOrderStage) && c.seen(ev) {
		// a late copy of an event the job already went through
		return nil
	}
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"job_id":      ev.JobID,
			"pipeline":    ev.Pipeline,
			"detail_type": env.DetailType,
		}).Warn("bus event rejected")
	}
	return err
}

func (c *Coordinator) seen(ev types.ProgressEvent) bool {
	history, err := c.History(ev.Pipeline, ev.JobID)
	if err != nil {
		return false
	}
	for _, h := range history {
		if h.Stage == ev.Stage && h.Status == ev.Status && h.Percentage == ev.Percentage && h.Message == ev.Message {
			return true
		}
	}
	return false
}

// ============================================================================
// 進度操作
// ============================================================================

func (c *Coordinator) tracker(name string) (*tracker.Tracker, error) {
	tr, ok := c.trackers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", pipeline.ErrUnknownPipeline, name)
	}
	return tr, nil
}

// Advance 提交一個進度報告
func (c *Coordinator) Advance(ctx context.Context, pipelineName string, req tracker.Request) (tracker.Result, error) {
	tr, err := c.tracker(pipelineName)
	if err != nil {
		return tracker.Result{}, err
	}
	res, err := tr.Advance(ctx, req)
	c.recordAdvance(pipelineName, res, err)
	return res, err
}

// Fail 把任務移到 failure stage
func (c *Coordinator) Fail(ctx context.Context, pipelineName string, id types.JobID, status, message string) (tracker.Result, error) {
	tr, err := c.tracker(pipelineName)
	if err != nil {
		return tracker.Result{}, err
	}
	res, err := tr.Fail(ctx, id, status, message)
	c.recordAdvance(pipelineName, res, err)
	return res, err
}

func (c *Coordinator) recordAdvance(pipelineName string, res tracker.Result, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "accepted"
	var ooo *tracker.OutOfOrderError
	switch {
	case errors.As(err, &ooo):
		outcome = string(ooo.Reason)
	case errors.Is(err, tracker.ErrValidation):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
	case res.Duplicate:
		outcome = "duplicate"
	}
	c.metrics.RecordAdvance(pipelineName, outcome)
}

// Snapshot 任務當前狀態
func (c *Coordinator) Snapshot(pipelineName string, id types.JobID) (types.JobSnapshot, error) {
	tr, err := c.tracker(pipelineName)
	if err != nil {
		return types.JobSnapshot{}, err
	}
	return tr.Snapshot(id)
}

// History 內存中的事件歷史
func (c *Coordinator) History(pipelineName string, id types.JobID) ([]types.ProgressEvent, error) {
	tr, err := c.tracker(pipelineName)
	if err != nil {
		return nil, err
	}
	return tr.History(id)
}

// Events 優先查 archive，archive 不可用或為空時退回內存歷史
func (c *Coordinator) Events(ctx context.Context, pipelineName string, id types.JobID) ([]types.ProgressEvent, error) {
	if c.archive != nil {
		if _, err := c.tracker(pipelineName); err != nil {
			return nil, err
		}
		evs, err := c.archive.Events(ctx, pipelineName, id)
		if err == nil && len(evs) > 0 {
			return evs, nil
		}
		if err != nil {
			log.WithError(err).WithField("job_id", id).Warn("archive query failed, using in-memory history")
		}
	}
	return c.History(pipelineName, id)
}

// Jobs 某個 pipeline 的所有任務
func (c *Coordinator) Jobs(pipelineName string) ([]types.JobSnapshot, error) {
	tr, err := c.tracker(pipelineName)
	if err != nil {
		return nil, err
	}
	return tr.Jobs(), nil
}

// Pipeline 返回 pipeline 宣告
func (c *Coordinator) Pipeline(name string) (*pipeline.Pipeline, error) {
	return c.pipes.Get(name)
}

// Pipelines 按名稱排序
func (c *Coordinator) Pipelines() []*pipeline.Pipeline {
	out := make([]*pipeline.Pipeline, 0, len(c.pipes))
	for _, name := range c.pipes.Names() {
		out = append(out, c.pipes[name])
	}
	return out
}

// Route 路由一個事件
func (c *Coordinator) Route(event map[string]any) router.Decision {
	d := c.router.Route(event)
	if c.metrics != nil {
		c.metrics.RecordRoute(d.Branch)
	}
	return d
}

// ============================================================================
// Callback tokens
// ============================================================================

var _ stage.TokenIssuer = (*Coordinator)(nil)

// IssueToken 為一個 deferred stage 發出 token。任務必須存在，除非該 stage
// 就是 pipeline 的初始 stage；任務存在時該 stage 必須是它下一個可接受的 stage。
func (c *Coordinator) IssueToken(ctx context.Context, req tokens.IssueRequest) (tokens.Issued, error) {
	tr, err := c.tracker(req.Pipeline)
	if err != nil {
		return tokens.Issued{}, err
	}
	if err := tr.Reachable(req.JobID, req.Stage); err != nil {
		absentInitial := errors.Is(err, tracker.ErrNotFound) && req.Stage == tr.Pipeline().Initial().Name
		if !absentInitial {
			return tokens.Issued{}, err
		}
	}
	if req.TTL == 0 {
		req.TTL = c.cfg.DefaultTTL
	}
	if req.Work == "" {
		req.Work = string(req.Stage)
	}

	iss, err := c.tokens.Issue(ctx, req)
	if err != nil {
		return tokens.Issued{}, err
	}
	if c.metrics != nil {
		c.metrics.RecordTokenIssued()
		c.metrics.SetPendingTokens(len(c.tokens.Pending()))
	}
	log.WithFields(logrus.Fields{
		"job_id":  req.JobID,
		"stage":   req.Stage,
		"work_id": iss.Record.WorkID,
		"expires": time.UnixMilli(iss.Record.ExpiresAt).UTC(),
	}).Debug("token issued")
	return iss, nil
}

// Lookup 查詢 token 記錄
func (c *Coordinator) Lookup(token string) (types.TokenRecord, error) {
	return c.tokens.Lookup(token)
}

// PendingTokens 所有未結算 token
func (c *Coordinator) PendingTokens() []types.TokenRecord {
	return c.tokens.Pending()
}

// Redeem 實現 dispatch.Redeemer
func (c *Coordinator) Redeem(ctx context.Context, token string, output map[string]any) error {
	_, err := c.Complete(ctx, token, output)
	return err
}

// Complete 兌換 token，並把 output 轉成該 token 所屬 stage 的進度事件。
//
// output 裡 error 或 ok:false 讓任務進入 failure stage。推進先於結算：
// tracker 拒絕時 token 仍是 pending，可以重試或由 sweep 報告過期；
// token 本身無效時任務不變。
func (c *Coordinator) Complete(ctx context.Context, token string, output map[string]any) (tracker.Result, error) {
	var (
		res     tracker.Result
		applied bool
	)
	red, err := c.tokens.RedeemWith(ctx, token, func(rec types.TokenRecord) error {
		applied = true
		var aerr error
		res, aerr = c.applyCallback(ctx, rec, output)
		return aerr
	})
	if err != nil {
		if !applied {
			c.rejected(err)
			if red.JustExpired {
				c.orphaned(red.Record)
			}
		}
		return res, err
	}

	rec := red.Record
	if c.metrics != nil {
		c.metrics.RecordTokenRedeemed(time.Duration(rec.SettledAt-rec.IssuedAt) * time.Millisecond)
		c.metrics.SetPendingTokens(len(c.tokens.Pending()))
	}
	log.WithFields(logrus.Fields{"job_id": rec.JobID, "stage": rec.Stage, "work_id": rec.WorkID}).Info("callback redeemed")
	return res, nil
}

// applyCallback 把 callback output 套用到任務上。
func (c *Coordinator) applyCallback(ctx context.Context, rec types.TokenRecord, output map[string]any) (tracker.Result, error) {
	tr, err := c.tracker(rec.Pipeline)
	if err != nil {
		return tracker.Result{}, err
	}
	entry := log.WithFields(logrus.Fields{"job_id": rec.JobID, "stage": rec.Stage, "work_id": rec.WorkID})

	out := parseOutput(output)
	if out.failed {
		entry.WithField("error", out.errMsg).Warn("deferred work reported failure")
		res, err := tr.Fail(ctx, rec.JobID, out.status, out.errMsg)
		c.recordAdvance(rec.Pipeline, res, err)
		return res, err
	}

	req := tracker.Request{JobID: rec.JobID, Stage: rec.Stage, Status: out.status, Message: out.message}
	if s, ok := tr.Pipeline().Stage(rec.Stage); ok {
		if req.Status == "" {
			req.Status = s.Status
		}
		req.Percentage = s.Percentage
	}
	if out.hasPct {
		req.Percentage = out.percentage
	}
	if req.Message == "" {
		req.Message = fmt.Sprintf("%s completed", rec.Work)
	}

	res, err := tr.Advance(ctx, req)
	c.recordAdvance(rec.Pipeline, res, err)
	if err != nil {
		entry.WithError(err).Warn("callback rejected by tracker, token kept pending")
	}
	return res, err
}

func (c *Coordinator) rejected(err error) {
	if c.metrics == nil {
		return
	}
	reason := "error"
	switch {
	case errors.Is(err, tokens.ErrAlreadyRedeemed):
		reason = "already_redeemed"
	case errors.Is(err, tokens.ErrExpired):
		reason = "expired"
	case errors.Is(err, tokens.ErrUnknownToken):
		reason = "unknown"
	}
	c.metrics.RecordTokenRejected(reason)
}

type callbackOutput struct {
	status     string
	message    string
	percentage int
	hasPct     bool
	failed     bool
	errMsg     string
}

func parseOutput(m map[string]any) callbackOutput {
	var o callbackOutput
	o.status, _ = m["status"].(string)
	o.message, _ = m["message"].(string)

	switch v := m["percentage"].(type) {
	case float64:
		o.percentage, o.hasPct = int(v), true
	case int:
		o.percentage, o.hasPct = v, true
	case int64:
		o.percentage, o.hasPct = int(v), true
	}

	if e, ok := m["error"]; ok && e != nil {
		o.failed = true
		o.errMsg = fmt.Sprint(e)
	}
	if ok, present := m["ok"].(bool); present && !ok {
		o.failed = true
	}
	if o.failed && o.errMsg == "" {
		o.errMsg = o.message
		if o.errMsg == "" {
			o.errMsg = "deferred work failed"
		}
	}
	return o
}

// ============================================================================
// 狀態查詢
// ============================================================================

// Status 返回運行摘要
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		LastSnapshot: c.lastSnapshot,
		RecoveryTime: c.recoveryTime,
	}
	if !c.startTime.IsZero() {
		st.Uptime = c.now().Sub(c.startTime)
	}
	c.mu.Unlock()

	st.Jobs = make(map[string]map[string]int, len(c.trackers))
	st.Stages = make(map[string]map[types.StageName]int, len(c.trackers))
	for name, tr := range c.trackers {
		st.Jobs[name] = tr.Stats()
		byStage := make(map[types.StageName]int)
		for _, j := range tr.Jobs() {
			byStage[j.Stage]++
		}
		st.Stages[name] = byStage
	}
	st.Tokens = c.tokens.Stats()
	st.WALSeq = c.wal.LastSeq()
	st.Pipelines = c.pipes.Names()
	sort.Strings(st.Pipelines)
	return st
}
