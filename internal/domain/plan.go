package domain

import "time"

// Job 是对某条主媒体的最小执行计划（路径都已解析为绝对路径）。
type Job struct {
	// Ref 是主媒体在文档中的原始引用（用于 report 追溯）。
	Ref  string
	Kind MediaKind

	SrcAbs     string
	OverlayAbs string // 为空表示没有匹配到 overlay
	DstAbs     string

	// DatePrefix 是文件名前 10 个字符；CaptureDate 由它解码得到。
	DatePrefix  string
	CaptureDate time.Time
	// DateErr 非空表示日期解码失败；执行阶段直接判该条目失败。
	DateErr error

	// ConflictWith 非空表示 DstAbs 已被更早的条目（该值为其 SrcAbs）占用。
	ConflictWith string
}

// HasOverlay 报告该条目是否匹配到了 overlay。
func (j Job) HasOverlay() bool { return j.OverlayAbs != "" }

// Supported 报告主媒体类型是否可识别（JPG/MP4）。
func (j Job) Supported() bool { return j.Kind == KindImage || j.Kind == KindVideo }
