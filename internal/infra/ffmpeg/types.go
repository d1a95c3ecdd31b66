package ffmpeg

import "time"

// 无声中间视频的默认编码参数。
const (
	DefaultVideoCodec   = "libx264"
	DefaultVideoProfile = "baseline"
	DefaultPixFmt       = "yuv420p"
)

// Options 指定使用的可执行文件以及中间视频的编码方式。
type Options struct {
	FFmpegPath   string
	FFprobePath  string
	VideoCodec   string
	VideoProfile string
	PixFmt       string
	Threads      int
}

// VideoInfo 是合成需要的探测结果。
type VideoInfo struct {
	FilePath string
	Width    int
	Height   int
	// FrameRate 是 ffprobe 的 r_frame_rate 原文（如 "30000/1001"），原样传给编码器。
	FrameRate string
	FPS       float64
	// Frames 是报告的帧数：nb_frames；容器未给出时用 duration*fps。
	Frames     int
	Duration   time.Duration
	VideoCodec string
	HasAudio   bool
	AudioCodec string
	// AudioDuration 是第一条音频流的时长；没有音轨或容器未报告时为 0。
	AudioDuration time.Duration
	// Rotation 是显示旋转角（度）；90/270 时 Width/Height 已经互换。
	Rotation int
}

// FrameSize 返回一帧 rgb24 的字节数。
func (v *VideoInfo) FrameSize() int { return v.Width * v.Height * 3 }
