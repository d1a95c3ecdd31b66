package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Probe 读取第一条视频流的宽高、帧率与帧数，以及是否有音轨。
func (e *Executor) Probe(ctx context.Context, filePath string) (*VideoInfo, error) {
	if filePath == "" {
		return nil, errors.New("缺少文件路径")
	}

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		filePath,
	}

	cmd := exec.CommandContext(ctx, e.ffprobePath, args...)
	stderr := newLineWriter(e.logger, "ffprobe")
	cmd.Stderr = stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecError{Tool: "ffprobe", Args: args, Stderr: stderr.Tail(), Err: err}
	}

	info, err := parseProbe(output)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", filePath, err)
	}
	info.FilePath = filePath

	e.logger.Debug().
		Str("file", filePath).
		Int("width", info.Width).
		Int("height", info.Height).
		Str("rate", info.FrameRate).
		Int("frames", info.Frames).
		Bool("audio", info.HasAudio).
		Msg("probed video")
	return info, nil
}

func parseProbe(output []byte) (*VideoInfo, error) {
	var probe probeResult
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("解析 ffprobe 输出失败：%w", err)
	}

	info := &VideoInfo{}
	if dur, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(dur * float64(time.Second))
	}

	foundVideo := false
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			info.Width = stream.Width
			info.Height = stream.Height
			info.VideoCodec = stream.CodecName
			info.FrameRate = stream.RFrameRate
			info.FPS = ParseFrameRate(stream.RFrameRate)
			info.Rotation = stream.rotation()
			if n, err := strconv.Atoi(stream.NbFrames); err == nil {
				info.Frames = n
			}
			if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil && info.Duration == 0 {
				info.Duration = time.Duration(d * float64(time.Second))
			}
		case "audio":
			if !info.HasAudio {
				info.HasAudio = true
				info.AudioCodec = stream.CodecName
				if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
					info.AudioDuration = time.Duration(d * float64(time.Second))
				}
			}
		}
	}

	if !foundVideo {
		return nil, errors.New("没有视频流")
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("帧尺寸无效 %dx%d", info.Width, info.Height)
	}
	if info.FPS <= 0 {
		return nil, fmt.Errorf("帧率无效 %q", info.FrameRate)
	}

	// ffmpeg 解码时会按旋转元数据自动转正，输出帧的宽高随之互换。
	if r := info.Rotation; r == 90 || r == 270 {
		info.Width, info.Height = info.Height, info.Width
	}

	if info.Frames <= 0 {
		info.Frames = int(math.Round(info.Duration.Seconds() * info.FPS))
	}
	return info, nil
}

// ParseFrameRate 把 "num/den" 换算成每秒帧数；格式不合法时返回 0。
func ParseFrameRate(s string) float64 {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// probeResult 对应 ffprobe 的 JSON 输出
type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	RFrameRate   string            `json:"r_frame_rate"`
	NbFrames     string            `json:"nb_frames"`
	Duration     string            `json:"duration"`
	Tags         map[string]string `json:"tags"`
	SideDataList []struct {
		Rotation float64 `json:"rotation"`
	} `json:"side_data_list"`
}

// rotation 把显示旋转角归一化到 0/90/180/270。
// 旧的 muxer 写在 tags.rotate；新版 ffprobe 在 side data 里给出 display matrix。
func (s probeStream) rotation() int {
	deg := 0.0
	if v, ok := s.Tags["rotate"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			deg = f
		}
	}
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			deg = sd.Rotation
			break
		}
	}
	r := int(math.Round(deg)) % 360
	if r < 0 {
		r += 360
	}
	return r
}
