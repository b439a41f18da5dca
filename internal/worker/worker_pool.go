// ============================================================================
// Stagecoach Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 固定數量的 Worker goroutine 從共享的 taskCh 取任務執行，結果送到
//       resultCh。Orchestrator.RunMany 用它把多個任務並行跑完：每個任務一個
//       Task，任務之間並行，任務內部依序執行。
//
//   Submit() --> taskCh --> Worker 1..N --> resultCh --> ReceiveResult()
//
// 生命週期:
//   1. NewPool(buffer) - 建立 channels
//   2. Start(n)        - 啟動 n 個 Worker
//   3. Submit(task)    - 提交
//   4. ReceiveResult() - 取結果；Stop 之後仍可讀完剩下的結果
//   5. Stop()          - 不再接受任務，等待 Worker 做完手上的任務
//
// 關閉:
//   Stop 先關閉 stopCh 讓阻塞中的 Submit 返回，再在 sendMu 寫鎖下關閉
//   taskCh，所以不會向已關閉的 channel 發送。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "worker")

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示重複啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Task 是一個要執行的工作單元
type Task struct {
	ID      types.JobID
	Run     func(ctx context.Context) error
	Timeout time.Duration // 0 表示不限時
}

// Result 是任務的執行結果
type Result struct {
	JobID    types.JobID
	Success  bool
	Error    error
	Duration time.Duration
}

// Pool 管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex // 保護 started / stopped / workers
	started bool
	stopped bool

	sendMu sync.RWMutex // Submit 持讀鎖發送，Stop 持寫鎖關閉 taskCh
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立 Pool，bufferSize 是任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動 workerCount 個 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	log.WithField("workers", workerCount).Debug("pool started")
	return nil
}

// Submit 提交任務；緩衝已滿時阻塞，直到有 Worker 取走或 Pool 被關閉
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 讀取下一個結果。Stop 之後會先讀完剩下的結果，讀完返回
// ErrPoolClosed。
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop 優雅關閉：不再接受任務，等待所有 Worker 完成手上的任務後關閉 resultCh。
// 調用方要持續讀取結果，否則 Worker 可能阻塞在 resultCh 上。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
