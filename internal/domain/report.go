package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusComposited = "composited"
	StatusCopied     = "copied"
	StatusFailed     = "failed"
)

const (
	ErrCodeScanFailed     = "scan_failed"
	ErrCodeParseFailed    = "parse_failed"
	ErrCodeDecodeFailed   = "decode_failed"
	ErrCodeEncodeFailed   = "encode_failed"
	ErrCodeDateInvalid    = "date_invalid"
	ErrCodeIOFailed       = "io_failed"
	ErrCodeTargetConflict = "target_conflict"
	ErrCodeUnsupported    = "unsupported_media"
	ErrCodeConfigInvalid  = "config_invalid"
	ErrCodeCanceled       = "canceled"
)

// RunReport 是对外稳定输出（report_file / stdout JSON）的结构。
type RunReport struct {
	Input  string `json:"input"`
	Output string `json:"output"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Items   []ItemResult  `json:"items"`
}

type ReportSummary struct {
	Composited int `json:"composited"`
	Copied     int `json:"copied"`
	Failed     int `json:"failed"`
}

// ItemResult 对应一条主媒体引用的处理结果。
type ItemResult struct {
	Src     string    `json:"src"`
	Ref     string    `json:"ref"`
	Kind    MediaKind `json:"kind"`
	Overlay string    `json:"overlay"`
	Dst     string    `json:"dst"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	CaptureDate string `json:"capture_date"`
	// ExifDate 仅在 JPEG 带有 DateTimeOriginal 时填写（只做比对，不参与时间戳）。
	ExifDate string `json:"exif_date,omitempty"`
	// Frames 是视频实际写出的帧数（图片为 0）。
	Frames int `json:"frames,omitempty"`
}

// Failed 报告该条目是否失败。
func (it ItemResult) Failed() bool { return it.Status == StatusFailed }

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) items 稳定排序：按 src 字典序；src=="" 的合成条目排在最后
// 3) summary 由 items 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Items, func(i, j int) bool {
		a := r.Items[i].Src
		b := r.Items[j].Src
		if a == "" || b == "" {
			return a != "" && b == ""
		}
		return a < b
	})

	var s ReportSummary
	for _, it := range r.Items {
		switch it.Status {
		case StatusComposited:
			s.Composited++
		case StatusCopied:
			s.Copied++
		case StatusFailed:
			s.Failed++
		}
	}
	r.Summary = s
}

// MarshalJSON 集中约束输出的稳定性：items 为 nil 时输出 []。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	a := Alias(r)
	if a.Items == nil {
		a.Items = []ItemResult{}
	}
	return json.Marshal(a)
}
