package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加進度與 token 事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復 tracker 與 registry 狀態
// 3. 快照前旋轉成封存段，快照完成後刪除
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "wal")

// segmentDigits is the zero-padded width of a segment suffix, so a
// lexical sort of segment names is also a numeric sort.
const segmentDigits = 20

// Options tunes write batching.
type Options struct {
	SyncOnAppend  bool          // flush and fsync on every journal call
	BufferSize    int           // flush once this many events are buffered
	FlushInterval time.Duration // flush when the oldest buffered event is this old
}

// DefaultOptions syncs every record.
func DefaultOptions() Options {
	return Options{SyncOnAppend: true, BufferSize: 256, FlushInterval: time.Second}
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64 // last assigned sequence number
	count   int    // events in the current file
	opts    Options
	closed  bool

	buffer        []Event
	lastFlushTime time.Time
}

// Open creates or reopens the log at path.
//
// A torn final record (crash mid-write) is cut off so later appends stay
// parseable. The sequence continues from the last record in the file, or
// from the newest archived segment when the file is empty.
func Open(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultOptions().FlushInterval
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	res, err := scan(path, nil)
	if err != nil {
		return nil, err
	}
	if res.torn {
		log.WithFields(logrus.Fields{"path": path, "offset": res.offset}).
			Warn("truncating torn tail record")
		if err := os.Truncate(path, res.offset); err != nil {
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	var seq uint64
	if res.last != nil {
		seq = res.last.Seq
	} else {
		segs, err := Segments(path)
		if err != nil {
			return nil, err
		}
		if n := len(segs); n > 0 {
			seq, _ = segmentSeq(path, segs[n-1])
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		count:         res.count,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件到 WAL
//
// body is marshalled to JSON. force flushes and fsyncs before returning;
// otherwise the record may sit in the buffer until the size or interval
// threshold is reached.
func (w *WAL) Append(eventType EventType, key string, body any, force bool) (uint64, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("wal: encode body: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Key:       key,
		Timestamp: time.Now().UnixMilli(),
		Body:      raw,
	}
	event.Checksum = CalculateChecksum(eventType, key, event.Seq, raw)

	w.buffer = append(w.buffer, event)
	w.count++

	if force || len(w.buffer) >= w.opts.BufferSize || time.Since(w.lastFlushTime) > w.opts.FlushInterval {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return event.Seq, nil
}

// AppendProgress journals an accepted progress event.
func (w *WAL) AppendProgress(ev types.ProgressEvent) error {
	_, err := w.Append(EventProgress, ProgressKey(ev.Pipeline, ev.JobID), ev, w.opts.SyncOnAppend)
	return err
}

// AppendToken journals a token state change. The record type follows the
// record's state.
func (w *WAL) AppendToken(rec types.TokenRecord) error {
	var t EventType
	switch rec.State {
	case types.TokenPending:
		t = EventTokenIssued
	case types.TokenRedeemed:
		t = EventTokenRedeemed
	case types.TokenExpired:
		t = EventTokenExpired
	default:
		return fmt.Errorf("wal: unknown token state %q", rec.State)
	}
	_, err := w.Append(t, rec.Digest, rec, w.opts.SyncOnAppend)
	return err
}

// ProgressKey is the record key for a progress event.
func ProgressKey(pipeline string, id types.JobID) string {
	return pipeline + "/" + string(id)
}

// Flush writes any buffered records and fsyncs.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放當前檔案的所有事件
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	_, err := scan(w.path, handler)
	return err
}

// ReplayAll replays archived segments oldest first, then the current file.
func (w *WAL) ReplayAll(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	segs, err := Segments(w.path)
	if err != nil {
		return err
	}
	for _, seg := range append(segs, w.path) {
		if _, err := scan(seg, handler); err != nil {
			return err
		}
	}
	return nil
}

// Rotate 旋轉日誌檔案
//
// The current file is renamed to "<path>.<lastSeq>" and a fresh file takes
// its place. Sequence numbers keep counting. Returns the segment path, or
// "" when the current file held no records.
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if w.count == 0 {
		return "", nil
	}

	if err := w.file.Close(); err != nil {
		return "", err
	}
	segment := segmentPath(w.path, w.seq)
	if err := os.Rename(w.path, segment); err != nil {
		return "", err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	w.count = 0
	w.lastFlushTime = time.Now()

	log.WithFields(logrus.Fields{"segment": segment, "seq": w.seq}).Debug("rotated")
	return segment, nil
}

// RemoveSegments deletes archived segments whose records all have
// seq <= upTo. Returns how many were removed.
func (w *WAL) RemoveSegments(upTo uint64) (int, error) {
	segs, err := Segments(w.path)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, seg := range segs {
		seq, ok := segmentSeq(w.path, seg)
		if !ok || seq > upTo {
			continue
		}
		if err := os.Remove(seg); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// AdvanceTo moves the sequence forward so new records sort after seq.
// Used after loading a snapshot whose last seq is ahead of the log.
func (w *WAL) AdvanceTo(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// LastSeq 取得當前的事件序號
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the current file path.
func (w *WAL) Path() string { return w.path }

// Close 關閉 WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// Segments lists archived segments for path, oldest first.
func Segments(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		if _, ok := segmentSeq(path, m); ok {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

func segmentPath(path string, seq uint64) string {
	return fmt.Sprintf("%s.%0*d", path, segmentDigits, seq)
}

func segmentSeq(path, segment string) (uint64, bool) {
	suffix := strings.TrimPrefix(segment, path+".")
	if len(suffix) != segmentDigits {
		return 0, false
	}
	seq, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

type scanResult struct {
	count  int
	last   *Event
	offset int64 // end of the last good record
	torn   bool
}

// scan reads one file record by record. An unparseable final record is
// reported as torn; an unparseable record followed by more data, or any
// checksum mismatch, is corruption. A missing file scans as empty.
func scan(path string, handler EventHandler) (scanResult, error) {
	var res scanResult

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var pending *CorruptionError
	line := 0
	for {
		raw, readErr := r.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			trimmed := bytes.TrimSpace(raw)
			switch {
			case len(trimmed) == 0:
				if pending == nil {
					res.offset += int64(len(raw))
				}
			case pending != nil:
				return res, pending
			default:
				var ev Event
				if err := json.Unmarshal(trimmed, &ev); err != nil {
					pending = &CorruptionError{Path: path, Line: line, Cause: err}
					break
				}
				if !VerifyChecksum(ev) {
					return res, &CorruptionError{Path: path, Line: line, Cause: &ChecksumError{
						Seq:      ev.Seq,
						Expected: CalculateChecksum(ev.Type, ev.Key, ev.Seq, ev.Body),
						Actual:   ev.Checksum,
					}}
				}
				if handler != nil {
					if err := handler(ev); err != nil {
						return res, err
					}
				}
				res.count++
				res.last = &ev
				res.offset += int64(len(raw))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return res, readErr
		}
	}
	if pending != nil {
		res.torn = true
	}
	return res, nil
}
