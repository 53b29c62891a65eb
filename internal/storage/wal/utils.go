package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭到尾掃描，回傳最後一個成功解析的事件；檔尾的半筆紀錄會被忽略。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrCorruptedWAL, err)
		}
		last = &event
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// Stats WAL 統計資訊
type Stats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
}

// Validate 驗證 WAL 檔案的完整性並回傳統計
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（旋轉後不從 1 開始，因此不要求連續）
func Validate(path string) (*Stats, error) {
	stats := &Stats{EventTypes: make(map[EventType]int)}
	err := replayFile(path, func(e Event) error {
		if stats.TotalEvents > 0 && e.Seq <= stats.LastSeq {
			return fmt.Errorf("%w: seq %d after %d", ErrSequenceGap, e.Seq, stats.LastSeq)
		}
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		return nil
	})
	if err != nil {
		return stats, err
	}
	return stats, nil
}
