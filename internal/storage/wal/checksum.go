package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 依序餵入 Type、Key、Value、ExpiresAt、Seq（以 '|' 分隔）
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp
func CalculateChecksum(e Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(e.Type))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Key))
	h.Write([]byte{'|'})
	h.Write(e.Value)
	h.Write([]byte{'|'})
	h.Write(strconv.AppendInt(nil, e.ExpiresAt, 10))
	h.Write([]byte{'|'})
	h.Write(strconv.AppendUint(nil, e.Seq, 10))
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
