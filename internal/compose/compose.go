package compose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/snapmem/internal/domain"
	"github.com/John-Robertt/snapmem/internal/infra/ffmpeg"
	"github.com/John-Robertt/snapmem/internal/infra/fsx"
	"github.com/John-Robertt/snapmem/internal/infra/imgx"
)

// DefaultOverlayOpacity 是视频帧叠加 overlay 时的权重（底帧权重固定为 1）。
const DefaultOverlayOpacity = 0.5

// Error 是单个条目在某个阶段的失败；Code 直接写入 ItemResult.ErrorCode。
type Error struct {
	Code  string
	Stage string
	Path  string
	Err   error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s 失败：%v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s 失败（%s）：%v", e.Stage, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf 把任意错误归类为 ItemResult 的 error_code。
func CodeOf(err error) string {
	var ce *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrCodeCanceled
	case fsx.IsPathTypeConflict(err):
		return domain.ErrCodeTargetConflict
	case errors.As(err, &ce):
		return ce.Code
	default:
		return domain.ErrCodeIOFailed
	}
}

// Options 控制输出编码；零值使用默认值。
type Options struct {
	JPEGQuality    int
	OverlayOpacity float64
}

// Result 是一次成功处理的摘要。
type Result struct {
	Status string
	// Frames 是视频实际写出的帧数（仅视频合成时非 0）。
	Frames int
}

// Compositor 把一个 Job 变成输出目录里的一个文件。
//
// 约束：
// - 输出文件名 = 源文件名；写入总是“同目录临时文件 + rename”，失败不留下半成品
// - 成功后输出文件的 atime/mtime 等于 CaptureDate 当天 00:00（本地时区）
// - 条目之间不共享可变状态，可以并发调用
type Compositor struct {
	logger zerolog.Logger
	ff     *ffmpeg.Executor
	opts   Options
}

// New 创建 Compositor；ff 为 nil 时带 overlay 的视频会失败（图片与纯拷贝不受影响）。
func New(logger zerolog.Logger, ff *ffmpeg.Executor, opts Options) *Compositor {
	if opts.JPEGQuality < 1 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = imgx.DefaultJPEGQuality
	}
	if opts.OverlayOpacity < 0 || opts.OverlayOpacity > 1 {
		opts.OverlayOpacity = DefaultOverlayOpacity
	}
	return &Compositor{
		logger: logger.With().Str("component", "compose").Logger(),
		ff:     ff,
		opts:   opts,
	}
}

// Run 按类型分派：图片走 Image；视频有 overlay 走 Video，否则原样 Copy。
//
// 日期在任何写入之前校验：日期非法的条目不会留下未盖章的输出。
func (c *Compositor) Run(ctx context.Context, job domain.Job) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if job.DateErr != nil {
		return Result{}, &Error{Code: domain.ErrCodeDateInvalid, Stage: "date", Path: job.SrcAbs, Err: job.DateErr}
	}

	switch {
	case job.Kind == domain.KindImage:
		return c.Image(ctx, job)
	case job.Kind == domain.KindVideo && job.HasOverlay():
		return c.Video(ctx, job)
	case job.Kind == domain.KindVideo:
		return c.Copy(ctx, job)
	default:
		return Result{}, &Error{Code: domain.ErrCodeUnsupported, Stage: "kind", Path: job.SrcAbs, Err: errors.New("只支持 JPG/MP4 主媒体")}
	}
}

// Image 解码主图，（可选）把 overlay 拉伸后按 alpha 叠加，编码为 JPEG 写入输出目录并盖日期。
// 没有 overlay 时同样重新编码，输出始终是 JPEG。
func (c *Compositor) Image(ctx context.Context, job domain.Job) (Result, error) {
	base, err := imgx.DecodeFile(job.SrcAbs)
	if err != nil {
		return Result{}, &Error{Code: domain.ErrCodeDecodeFailed, Stage: "decode main", Path: job.SrcAbs, Err: err}
	}

	var overlay image.Image
	if job.HasOverlay() {
		overlay, err = imgx.DecodeFile(job.OverlayAbs)
		if err != nil {
			return Result{}, &Error{Code: domain.ErrCodeDecodeFailed, Stage: "decode overlay", Path: job.OverlayAbs, Err: err}
		}
	}
	out := imgx.CompositeOver(base, overlay)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	data, err := imgx.EncodeJPEG(out, c.opts.JPEGQuality)
	if err != nil {
		return Result{}, &Error{Code: domain.ErrCodeEncodeFailed, Stage: "encode jpeg", Path: job.SrcAbs, Err: err}
	}

	if err := fsx.WriteFileAtomic(filepath.Dir(job.DstAbs), filepath.Base(job.DstAbs), data); err != nil {
		return Result{}, wrapIO("write", job.DstAbs, err)
	}
	if err := fsx.Stamp(job.DstAbs, job.CaptureDate); err != nil {
		return Result{}, wrapIO("stamp", job.DstAbs, err)
	}
	return Result{Status: domain.StatusComposited}, nil
}

// Copy 把源文件逐字节拷贝到输出目录并盖日期，不做任何转码。
func (c *Compositor) Copy(ctx context.Context, job domain.Job) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := fsx.CopyFileAtomic(job.SrcAbs, filepath.Dir(job.DstAbs), filepath.Base(job.DstAbs)); err != nil {
		return Result{}, wrapIO("copy", job.DstAbs, err)
	}
	if err := fsx.Stamp(job.DstAbs, job.CaptureDate); err != nil {
		return Result{}, wrapIO("stamp", job.DstAbs, err)
	}
	return Result{Status: domain.StatusCopied}, nil
}

// wrapIO 保留 PathTypeConflictError 的可识别性（CodeOf 会优先匹配它）。
func wrapIO(stage, path string, err error) error {
	if fsx.IsPathTypeConflict(err) {
		return &Error{Code: domain.ErrCodeTargetConflict, Stage: stage, Path: path, Err: err}
	}
	return &Error{Code: domain.ErrCodeIOFailed, Stage: stage, Path: path, Err: err}
}
