// Package types 定義了 phonoscore 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries 預設最大重試次數
const DefaultMaxRetries = 3

// ErrUnknownJobType 任務類型標籤無法辨識
var ErrUnknownJobType = errors.New("unknown job type")

// JobState 任務狀態
type JobState string

// 定義任務狀態常數
const (
	StateQueued     JobState = "queued"     // 已排入佇列，等待 worker 取出
	StateProcessing JobState = "processing" // 執行中：worker 已取出並正在處理
	StateCompleted  JobState = "completed"  // 完成狀態：結果已寫入 result store
	StateFailed     JobState = "failed"     // 永久失敗：重試次數耗盡
)

// JobType 任務類型（封閉的 tagged union）
//
// 只有本套件內的型別可以實作此介面，worker 以 type switch 窮舉處理。
type JobType interface {
	jobTypeTag() string
}

// PronunciationScoring 發音評分任務
type PronunciationScoring struct {
	RecordingID string `json:"recording_id"`
	WordID      string `json:"word_id"`
	Dialect     string `json:"dialect"`
	AudioURL    string `json:"audio_url"`
}

func (PronunciationScoring) jobTypeTag() string { return "PronunciationScoring" }

// SearchIndexUpdate 搜尋索引更新任務
type SearchIndexUpdate struct {
	WordID string `json:"word_id"`
}

func (SearchIndexUpdate) jobTypeTag() string { return "SearchIndexUpdate" }

// Job 任務結構，代表系統中的一個工作單元
//
// ID 在重新排隊時保持不變；RetryCount 永遠不超過 MaxRetries。
type Job struct {
	ID         uuid.UUID `json:"id"`
	Type       JobType   `json:"job_type"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount uint32    `json:"retry_count"`
	MaxRetries uint32    `json:"max_retries"`
}

// NewJob 建立新任務，指派 UUID v4 與建立時間
func NewJob(jobType JobType, maxRetries uint32) *Job {
	return &Job{
		ID:         uuid.New(),
		Type:       jobType,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: maxRetries,
	}
}

// CanRetry 回報任務是否還有重試額度
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// jobWire 是 Job 在佇列中的序列化形式
// job_type 使用外部標籤格式：{"PronunciationScoring": {...}}
type jobWire struct {
	ID         uuid.UUID                  `json:"id"`
	JobType    map[string]json.RawMessage `json:"job_type"`
	CreatedAt  time.Time                  `json:"created_at"`
	RetryCount uint32                     `json:"retry_count"`
	MaxRetries uint32                     `json:"max_retries"`
}

// MarshalJSON 實作 json.Marshaler
func (j Job) MarshalJSON() ([]byte, error) {
	if j.Type == nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, ErrUnknownJobType)
	}
	body, err := json.Marshal(j.Type)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobWire{
		ID:         j.ID,
		JobType:    map[string]json.RawMessage{j.Type.jobTypeTag(): body},
		CreatedAt:  j.CreatedAt,
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
	})
}

// UnmarshalJSON 實作 json.Unmarshaler
func (j *Job) UnmarshalJSON(data []byte) error {
	var w jobWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.JobType) != 1 {
		return fmt.Errorf("job %s: job_type must have exactly one variant: %w", w.ID, ErrUnknownJobType)
	}

	var jobType JobType
	for tag, body := range w.JobType {
		switch tag {
		case "PronunciationScoring":
			var v PronunciationScoring
			if err := json.Unmarshal(body, &v); err != nil {
				return fmt.Errorf("decode %s: %w", tag, err)
			}
			jobType = v
		case "SearchIndexUpdate":
			var v SearchIndexUpdate
			if err := json.Unmarshal(body, &v); err != nil {
				return fmt.Errorf("decode %s: %w", tag, err)
			}
			jobType = v
		default:
			return fmt.Errorf("job %s: %q: %w", w.ID, tag, ErrUnknownJobType)
		}
	}

	*j = Job{
		ID:         w.ID,
		Type:       jobType,
		CreatedAt:  w.CreatedAt,
		RetryCount: w.RetryCount,
		MaxRetries: w.MaxRetries,
	}
	return nil
}

// JobResult 任務結果，Success 與 Failure 恰好其中一個非 nil
type JobResult struct {
	Success *SuccessResult `json:"Success,omitempty"`
	Failure *FailureResult `json:"Failure,omitempty"`
}

// SuccessResult 成功結果的載荷
type SuccessResult struct {
	Data json.RawMessage `json:"data"`
}

// FailureResult 失敗結果
type FailureResult struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// NewSuccess 以任意可序列化資料建立成功結果
func NewSuccess(data any) (*JobResult, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal result data: %w", err)
	}
	return &JobResult{Success: &SuccessResult{Data: raw}}, nil
}

// NewFailure 建立失敗結果
func NewFailure(msg string, retryable bool) *JobResult {
	return &JobResult{Failure: &FailureResult{Error: msg, Retryable: retryable}}
}

// IsSuccess 回報結果是否為成功
func (r *JobResult) IsSuccess() bool {
	return r != nil && r.Success != nil
}

// PronunciationScore 一次評分的完整結果
type PronunciationScore struct {
	OverallPct    float64            `json:"overall_pct"`    // [0,100]
	PerPhoneme    map[string]float64 `json:"per_phoneme"`    // phoneme_0..phoneme_4 -> [0,100]
	AlignmentCost float64            `json:"alignment_cost"` // >= 0，空序列時為 +Inf
	Confidence    float64            `json:"confidence"`     // [0,1]
}

// ScoringOutput 評分任務成功時寫入 result store 的資料
type ScoringOutput struct {
	RecordingID string             `json:"recording_id"`
	OverallPct  float64            `json:"overall_pct"`
	PerPhoneme  map[string]float64 `json:"per_phoneme"`
	Confidence  float64            `json:"confidence"`
}

// SearchIndexOutput 索引更新任務成功時的資料
type SearchIndexOutput struct {
	WordID string `json:"word_id"`
	Status string `json:"status"`
}

// Word 詞彙資料（搜尋索引的文件）
type Word struct {
	ID      string `json:"id" msgpack:"id"`
	Text    string `json:"text" msgpack:"text"`
	IPA     string `json:"ipa" msgpack:"ipa"`
	Dialect string `json:"dialect" msgpack:"dialect"`
}
