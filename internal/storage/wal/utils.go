package wal

// ============================================================================
// WAL 工具函式
// 職責：離線檢查 WAL 檔案（CLI `wal` 子命令使用）
// ============================================================================

import (
	"fmt"
	"io"
	"time"
)

// LastEvent 從 WAL 檔案讀取最後一個事件
//
// Returns ErrEmptyWAL when the file holds no records.
func LastEvent(path string) (*Event, error) {
	res, err := scan(path, nil)
	if err != nil {
		return nil, err
	}
	if res.last == nil {
		return nil, ErrEmptyWAL
	}
	return res.last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	res, err := scan(path, nil)
	return res.count, err
}

// Validate 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增
func Validate(path string) error {
	var last uint64
	res, err := scan(path, func(ev Event) error {
		if ev.Seq <= last {
			return fmt.Errorf("wal: seq %d after %d is not increasing", ev.Seq, last)
		}
		last = ev.Seq
		return nil
	})
	if err != nil {
		return err
	}
	if res.torn {
		return fmt.Errorf("%w: torn record after seq %d", ErrCorruptedWAL, last)
	}
	return nil
}

// Dump 輸出 WAL 內容（人類可讀格式）
//
//	[seq:1] PROGRESS etl/J1 at 2024-01-01T00:00:00Z (checksum:0x12345678)
func Dump(path string, w io.Writer) error {
	_, err := scan(path, func(ev Event) error {
		_, err := fmt.Fprintf(w, "[seq:%d] %s %s at %s (checksum:0x%08x)\n",
			ev.Seq, ev.Type, ev.Key,
			time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339), ev.Checksum)
		return err
	})
	return err
}

// Stats WAL 統計資訊
type Stats struct {
	TotalEvents int               `json:"total_events"`
	EventTypes  map[EventType]int `json:"event_types"`
	FirstSeq    uint64            `json:"first_seq"`
	LastSeq     uint64            `json:"last_seq"`
	TimeRange   [2]int64          `json:"time_range"` // [earliest, latest] unix ms
	Torn        bool              `json:"torn"`
}

// GetStats 取得 WAL 的統計資訊
func GetStats(path string) (*Stats, error) {
	st := &Stats{EventTypes: make(map[EventType]int)}
	res, err := scan(path, func(ev Event) error {
		if st.TotalEvents == 0 {
			st.FirstSeq = ev.Seq
			st.TimeRange[0] = ev.Timestamp
		}
		st.TotalEvents++
		st.EventTypes[ev.Type]++
		st.LastSeq = ev.Seq
		if ev.Timestamp < st.TimeRange[0] {
			st.TimeRange[0] = ev.Timestamp
		}
		if ev.Timestamp > st.TimeRange[1] {
			st.TimeRange[1] = ev.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.Torn = res.torn
	return st, nil
}
