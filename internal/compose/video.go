package compose

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/snapmem/internal/domain"
	"github.com/John-Robertt/snapmem/internal/infra/fsx"
	"github.com/John-Robertt/snapmem/internal/infra/imgx"
)

// tmpSuffix 是最终文件 rename 之前的临时文件名后缀：<stem>-tmp.mp4。
const tmpSuffix = "-tmp"

// Video 把静态 overlay 逐帧叠加到视频上，重新编码后接回原音轨，原子替换到输出路径并盖日期。
//
// 步骤：
//  1. ffprobe 取宽高、帧率（原样有理数）、报告帧数与是否有音轨
//  2. overlay 只缩放一次（每帧尺寸相同）
//  3. 解码器 -> 逐帧 sat(frame + opacity*overlay) -> 编码器（无声中间文件）；
//     读帧失败（提前 EOF / 短读）即正常结束，因此输出帧数 ≤ 报告帧数
//  4. 中间文件的视频流 + 源文件的音频流（都 stream copy）-> <stem>-tmp.mp4
//  5. rename 到最终路径
//  6. 盖日期
//
// 任何路径退出（成功、提前 EOF、出错、取消）都会结束子进程并删除中间文件。
func (c *Compositor) Video(ctx context.Context, job domain.Job) (Result, error) {
	if c.ff == nil {
		return Result{}, &Error{Code: domain.ErrCodeDecodeFailed, Stage: "ffmpeg", Path: job.SrcAbs, Err: errors.New("ffmpeg/ffprobe 不可用，无法合成视频")}
	}

	overlay, err := imgx.DecodeFile(job.OverlayAbs)
	if err != nil {
		return Result{}, &Error{Code: domain.ErrCodeDecodeFailed, Stage: "decode overlay", Path: job.OverlayAbs, Err: err}
	}

	info, err := c.ff.Probe(ctx, job.SrcAbs)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &Error{Code: domain.ErrCodeDecodeFailed, Stage: "probe", Path: job.SrcAbs, Err: err}
	}
	ovl := imgx.ResizeRGB24(overlay, info.Width, info.Height)

	dir := filepath.Dir(job.DstAbs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, wrapIO("mkdir", dir, err)
	}
	if err := fsx.CheckTarget(job.DstAbs); err != nil {
		return Result{}, wrapIO("check target", job.DstAbs, err)
	}

	stem := strings.TrimSuffix(filepath.Base(job.DstAbs), filepath.Ext(job.DstAbs))
	silent, err := reserveTemp(dir, "."+stem+".silent-*.mp4")
	if err != nil {
		return Result{}, wrapIO("create temp", dir, err)
	}
	defer os.Remove(silent)
	tmp := filepath.Join(dir, stem+tmpSuffix+filepath.Ext(job.DstAbs))
	defer os.Remove(tmp)

	frames, err := c.blendFrames(ctx, job, info.Frames, info.FrameSize(), ovl, silent, info.Width, info.Height, info.FrameRate)
	if err != nil {
		return Result{}, err
	}

	if err := c.ff.MuxAudio(ctx, silent, job.SrcAbs, tmp); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &Error{Code: domain.ErrCodeEncodeFailed, Stage: "mux audio", Path: tmp, Err: err}
	}
	if err := fsx.Rename(tmp, job.DstAbs); err != nil {
		return Result{}, wrapIO("rename", job.DstAbs, err)
	}
	if err := fsx.Stamp(job.DstAbs, job.CaptureDate); err != nil {
		return Result{}, wrapIO("stamp", job.DstAbs, err)
	}

	c.logger.Debug().
		Str("src", job.SrcAbs).
		Int("frames", frames).
		Int("reported_frames", info.Frames).
		Bool("audio", info.HasAudio).
		Msg("video composited")
	return Result{Status: domain.StatusComposited, Frames: frames}, nil
}

// blendFrames 运行“解码 -> 叠加 -> 编码”循环，返回实际写出的帧数。
func (c *Compositor) blendFrames(ctx context.Context, job domain.Job, total, frameSize int, ovl []byte, silent string, w, h int, rate string) (int, error) {
	dec, err := c.ff.StartDecoder(ctx, job.SrcAbs, w, h)
	if err != nil {
		return 0, &Error{Code: domain.ErrCodeDecodeFailed, Stage: "start decoder", Path: job.SrcAbs, Err: err}
	}
	defer dec.Close()

	enc, err := c.ff.StartEncoder(ctx, silent, w, h, rate)
	if err != nil {
		return 0, &Error{Code: domain.ErrCodeEncodeFailed, Stage: "start encoder", Path: silent, Err: err}
	}
	defer enc.Abort()

	// total<=0 表示容器没有报告帧数：读到 EOF 为止。
	buf := make([]byte, frameSize)
	n := 0
	for ; total <= 0 || n < total; n++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := dec.ReadFrame(buf); err != nil {
			break
		}
		imgx.BlendAddWeighted(buf, ovl, c.opts.OverlayOpacity)
		if err := enc.WriteFrame(buf); err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			return n, &Error{Code: domain.ErrCodeEncodeFailed, Stage: "write frame", Path: silent, Err: err}
		}
	}

	if n == 0 {
		_ = dec.Close()
		return 0, &Error{Code: domain.ErrCodeDecodeFailed, Stage: "decode frames", Path: job.SrcAbs, Err: errors.New("没有可解码的帧：" + dec.Stderr())}
	}
	if err := dec.Close(); err != nil {
		// 已经拿到了部分帧：按“提前结束”处理，只记录。
		c.logger.Warn().Err(err).Str("src", job.SrcAbs).Int("frames", n).Msg("decoder exited with error after partial read")
	}
	if err := enc.Finish(); err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, &Error{Code: domain.ErrCodeEncodeFailed, Stage: "encode", Path: silent, Err: err}
	}
	return n, nil
}

// reserveTemp 在 dir 下占一个唯一的临时文件名（ffmpeg 会用 -y 覆盖它）。
func reserveTemp(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}
