package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Executor 为视频合成调用 ffmpeg/ffprobe。
type Executor struct {
	logger      zerolog.Logger
	ffmpegPath  string
	ffprobePath string
	opts        Options
}

// New 预先解析两个可执行文件路径；找不到任何一个都直接返回错误。
func New(logger zerolog.Logger, opts Options) (*Executor, error) {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.VideoCodec == "" {
		opts.VideoCodec = DefaultVideoCodec
	}
	if opts.VideoProfile == "" {
		opts.VideoProfile = DefaultVideoProfile
	}
	if opts.PixFmt == "" {
		opts.PixFmt = DefaultPixFmt
	}

	ffmpegPath, err := exec.LookPath(opts.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("找不到 ffmpeg（%s）：%w", opts.FFmpegPath, err)
	}
	ffprobePath, err := exec.LookPath(opts.FFprobePath)
	if err != nil {
		return nil, fmt.Errorf("找不到 ffprobe（%s）：%w", opts.FFprobePath, err)
	}

	return &Executor{
		logger:      logger.With().Str("component", "ffmpeg").Logger(),
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		opts:        opts,
	}, nil
}

// ExecError 是一次失败的 ffmpeg/ffprobe 调用，附带 stderr 的最后几行。
type ExecError struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s 执行失败：%v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s 执行失败：%v：%s", e.Tool, e.Err, e.Stderr)
}

func (e *ExecError) Unwrap() error { return e.Err }

// baseArgs 是每次调用 ffmpeg 的公共参数；-threads 必须放在输入之前。
func (e *Executor) baseArgs() []string {
	args := []string{"-y", "-hide_banner", "-nostdin", "-loglevel", "error"}
	if e.opts.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(e.opts.Threads))
	}
	return args
}

// Run 执行 ffmpeg 直到退出，stderr 逐行写入 debug 日志。
func (e *Executor) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("缺少 ffmpeg 参数")
	}
	full := append(e.baseArgs(), args...)

	e.logger.Debug().
		Str("cmd", "ffmpeg").
		Strs("args", full).
		Msg("executing ffmpeg")

	cmd := exec.CommandContext(ctx, e.ffmpegPath, full...)
	stderr := newLineWriter(e.logger, "ffmpeg")
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ExecError{Tool: "ffmpeg", Args: full, Stderr: stderr.Tail(), Err: err}
	}
	return nil
}

// MuxAudio 输出 = silent 的视频流 + source 的音频流，两者都 stream copy。
// source 没有音轨时输出只有视频。
func (e *Executor) MuxAudio(ctx context.Context, silent, source, output string) error {
	e.logger.Debug().
		Str("video", silent).
		Str("audio", source).
		Str("output", output).
		Msg("muxing original audio")

	return e.Run(ctx, []string{
		"-i", silent,
		"-i", source,
		"-map", "0:v:0",
		"-map", "1:a?",
		"-c:v", "copy",
		"-c:a", "copy",
		output,
	})
}

// tailLines 是错误信息里保留的 stderr 行数上限。
const tailLines = 20

// lineWriter 把 stderr 逐行写入 debug 日志，并保留最后几行给 ExecError。
type lineWriter struct {
	logger zerolog.Logger
	tool   string

	mu   sync.Mutex
	buf  bytes.Buffer
	tail []string
}

func newLineWriter(logger zerolog.Logger, tool string) *lineWriter {
	return &lineWriter{logger: logger, tool: tool}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// 不完整的一行放回缓冲区，等下一次 Write。
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.push(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *lineWriter) push(line string) {
	if line == "" {
		return
	}
	w.logger.Debug().Str(w.tool, line).Msg("stderr")
	w.tail = append(w.tail, line)
	if len(w.tail) > tailLines {
		w.tail = w.tail[len(w.tail)-tailLines:]
	}
}

// Tail 返回最后几行 stderr（包括没有换行结尾的最后一行）。
func (w *lineWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines := w.tail
	if rest := strings.TrimSpace(w.buf.String()); rest != "" {
		lines = append(append([]string(nil), lines...), rest)
	}
	return strings.Join(lines, "\n")
}
