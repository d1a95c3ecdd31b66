package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
)

// Decoder 把文件的第一条视频流解码成 rgb24 原始帧流。
type Decoder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *lineWriter
	args   []string
	eof    bool
	closed bool
}

// StartDecoder 启动 `ffmpeg -i input -f rawvideo -pix_fmt rgb24 -s WxH -`。
// 强制 -s 保证每帧恰好 width*height*3 字节，即使流的实际尺寸与 ffprobe 报告的不同。
// 调用方在任何路径上都必须 Close。
func (e *Executor) StartDecoder(ctx context.Context, input string, width, height int) (*Decoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("帧尺寸无效 %dx%d", width, height)
	}
	args := append(e.baseArgs(),
		"-i", input,
		"-map", "0:v:0",
		"-an",
		"-vsync", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", strconv.Itoa(width)+"x"+strconv.Itoa(height),
		"-",
	)
	e.logger.Debug().Str("cmd", "ffmpeg").Strs("args", args).Msg("starting decoder")

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	stderr := newLineWriter(e.logger, "decoder")
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("创建 stdout 管道失败：%w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("启动解码器失败：%w", err)
	}
	return &Decoder{cmd: cmd, stdout: stdout, stderr: stderr, args: args}, nil
}

// ReadFrame 用恰好一帧填满 buf。短读或 EOF 作为错误返回，调用方视为流结束。
func (d *Decoder) ReadFrame(buf []byte) error {
	_, err := io.ReadFull(d.stdout, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		d.eof = true
	}
	return err
}

// Close 结束解码器，即使还有未读的帧。
// 已读到 EOF 时，非 0 退出码连同 stderr 一起返回。
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if !d.eof {
		// 读端提前结束时 ffmpeg 会阻塞在写 stdout 上，必须先 kill 再 Wait。
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		_ = d.cmd.Wait()
		return nil
	}
	if err := d.cmd.Wait(); err != nil {
		return &ExecError{Tool: "ffmpeg decoder", Args: d.args, Stderr: d.stderr.Tail(), Err: err}
	}
	return nil
}

// Stderr 返回解码器最近的 stderr。
func (d *Decoder) Stderr() string { return d.stderr.Tail() }

// Encoder 从 stdin 接收 rgb24 原始帧，写出无声视频文件。
type Encoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *lineWriter
	args   []string
	done   bool
}

// StartEncoder 启动编码器，输出给定尺寸、帧率原样保留的视频。
func (e *Executor) StartEncoder(ctx context.Context, output string, width, height int, rate string) (*Encoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("帧尺寸无效 %dx%d", width, height)
	}
	if rate == "" {
		return nil, fmt.Errorf("缺少帧率")
	}

	args := append(e.baseArgs(),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", strconv.Itoa(width)+"x"+strconv.Itoa(height),
		"-r", rate,
		"-i", "-",
		"-an",
		"-c:v", e.opts.VideoCodec,
	)
	if e.opts.VideoProfile != "" {
		args = append(args, "-profile:v", e.opts.VideoProfile)
	}
	args = append(args, "-pix_fmt", e.opts.PixFmt, output)
	e.logger.Debug().Str("cmd", "ffmpeg").Strs("args", args).Msg("starting encoder")

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	stderr := newLineWriter(e.logger, "encoder")
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("创建 stdin 管道失败：%w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("启动编码器失败：%w", err)
	}
	return &Encoder{cmd: cmd, stdin: stdin, stderr: stderr, args: args}, nil
}

// WriteFrame 写入一帧 rgb24。
func (e *Encoder) WriteFrame(frame []byte) error {
	if _, err := e.stdin.Write(frame); err != nil {
		return &ExecError{Tool: "ffmpeg encoder", Args: e.args, Stderr: e.stderr.Tail(), Err: err}
	}
	return nil
}

// Finish 关闭 stdin 并等待编码器写完文件。
func (e *Encoder) Finish() error {
	if e.done {
		return nil
	}
	e.done = true
	_ = e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		return &ExecError{Tool: "ffmpeg encoder", Args: e.args, Stderr: e.stderr.Tail(), Err: err}
	}
	return nil
}

// Abort 杀掉编码器；残留的半成品由调用方删除。
func (e *Encoder) Abort() {
	if e.done {
		return
	}
	e.done = true
	_ = e.stdin.Close()
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	_ = e.cmd.Wait()
}
