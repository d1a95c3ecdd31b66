package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/snapmem/internal/domain"
	"github.com/John-Robertt/snapmem/internal/infra/imgx"
	"github.com/John-Robertt/snapmem/internal/logging"
)

const (
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
	// ErrCodeMissingInput 表示输入目录为空、不存在或不是目录。
	ErrCodeMissingInput = "config_missing_input"
)

const (
	// FileName 是输入目录下可选配置文件的固定文件名。
	FileName = "snapmem.yaml"
	// DefaultOutputFolder 是输出目录的默认值（相对当前工作目录）。
	DefaultOutputFolder = "./output"
	// DefaultConcurrency 与原始工具一致：逐条顺序处理。
	DefaultConcurrency = 1
	// MaxConcurrency 是并发上限；视频合成会同时占用两个 ffmpeg 进程。
	MaxConcurrency = 32
	// DefaultDocumentName 是元数据文档的默认文件名。
	DefaultDocumentName = "memories.html"
	// DefaultOverlayOpacity 是视频帧叠加 overlay 的默认权重。
	DefaultOverlayOpacity = 0.5
)

// CLIArgs 只包含 CLI 暴露的两项入口（input 与 --output_folder），并保留“是否显式指定”的信息。
type CLIArgs struct {
	Input string

	OutputFolder    string
	OutputFolderSet bool
}

// FileConfig 对应 snapmem.yaml 的解析结构。未知字段忽略。
type FileConfig struct {
	OutputFolder   string       `yaml:"output_folder"`
	Concurrency    int          `yaml:"concurrency"`
	DocumentName   string       `yaml:"document_name"`
	JPEGQuality    int          `yaml:"jpeg_quality"`
	OverlayOpacity *float64     `yaml:"overlay_opacity"`
	ExcludeDirs    []string     `yaml:"exclude_dirs"`
	LogLevel       string       `yaml:"log_level"`
	ReportFile     string       `yaml:"report_file"`
	MetricsFile    string       `yaml:"metrics_file"`
	FFmpeg         FFmpegConfig `yaml:"ffmpeg"`
}

// FFmpegConfig 控制视频合成使用的外部程序与中间文件编码参数。
type FFmpegConfig struct {
	FFmpegPath   string `yaml:"ffmpeg_path"`
	FFprobePath  string `yaml:"ffprobe_path"`
	VideoCodec   string `yaml:"video_codec"`
	VideoProfile string `yaml:"video_profile"`
	PixFmt       string `yaml:"pix_fmt"`
	Threads      int    `yaml:"threads"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Input  string
	Output string

	Concurrency    int
	DocumentName   string
	JPEGQuality    int
	OverlayOpacity float64
	ExcludeDirs    []string

	// LogLevel 为空表示未配置，由 CLI 根据是否交互终端决定默认值。
	LogLevel    string
	ReportFile  string
	MetricsFile string

	FFmpeg FFmpegConfig

	// ConfigFile 是实际读取到的配置文件路径；没有配置文件时为空。
	ConfigFile string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeMissingInput:
		if e.Err != nil {
			return fmt.Sprintf("%s：输入目录 %q 不可用：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：未指定输入目录", e.Code)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 读取 <input>/snapmem.yaml（可选），然后与 CLI 参数合并为最终配置。
//
// 覆盖优先级（固定）：
// - output：CLI --output_folder > config output_folder > 默认 ./output
// - 其他字段：仅由 config 控制（CLI 不暴露）
//
// 相对路径：CLI 给出的相对 cwd；配置文件里的相对 input（即配置文件所在目录）。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	if strings.TrimSpace(cli.Input) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingInput}
	}
	input := absCleanFrom(cwdAbs, cli.Input)
	fi, err := os.Stat(input)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingInput, Path: input, Err: err}
	}
	if !fi.IsDir() {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingInput, Path: input, Err: errors.New("不是目录")}
	}

	cfgPath := filepath.Join(input, FileName)
	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		cfgPath = ""
	}

	return merge(cwdAbs, input, cli, fc, cfgPath)
}

func merge(cwdAbs, input string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(format string, args ...any) error {
		return &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf(format, args...)}
	}

	// output：CLI > config > 默认
	output := absCleanFrom(cwdAbs, DefaultOutputFolder)
	switch {
	case cli.OutputFolderSet:
		if strings.TrimSpace(cli.OutputFolder) == "" {
			return EffectiveConfig{}, invalid("--output_folder 不能为空")
		}
		output = absCleanFrom(cwdAbs, cli.OutputFolder)
	case strings.TrimSpace(fc.OutputFolder) != "":
		output = absCleanFrom(input, fc.OutputFolder)
	}

	concurrency := fc.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	// 范围 [1, 32]；超出截断。
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}

	docName := strings.TrimSpace(fc.DocumentName)
	if docName == "" {
		docName = DefaultDocumentName
	}
	if strings.ContainsAny(docName, `/\`) {
		return EffectiveConfig{}, invalid("document_name 只能是文件名：%q", docName)
	}

	quality := fc.JPEGQuality
	if quality == 0 {
		quality = imgx.DefaultJPEGQuality
	}
	if quality < 1 || quality > 100 {
		return EffectiveConfig{}, invalid("jpeg_quality 必须在 1..100：%d", fc.JPEGQuality)
	}

	opacity := DefaultOverlayOpacity
	if fc.OverlayOpacity != nil {
		opacity = *fc.OverlayOpacity
	}
	if opacity < 0 || opacity > 1 {
		return EffectiveConfig{}, invalid("overlay_opacity 必须在 0..1：%v", opacity)
	}

	logLevel := strings.TrimSpace(fc.LogLevel)
	if logLevel != "" {
		if _, err := logging.ParseLevel(logLevel); err != nil {
			return EffectiveConfig{}, invalid("log_level：%v", err)
		}
	}

	if fc.FFmpeg.Threads < 0 {
		return EffectiveConfig{}, invalid("ffmpeg.threads 不能为负数：%d", fc.FFmpeg.Threads)
	}

	excludes := make([]string, 0, len(fc.ExcludeDirs))
	for _, x := range fc.ExcludeDirs {
		if x = strings.TrimSpace(x); x != "" {
			excludes = append(excludes, x)
		}
	}

	return EffectiveConfig{
		Input:          input,
		Output:         output,
		Concurrency:    concurrency,
		DocumentName:   docName,
		JPEGQuality:    quality,
		OverlayOpacity: opacity,
		ExcludeDirs:    excludes,
		LogLevel:       logLevel,
		ReportFile:     optionalPath(input, fc.ReportFile),
		MetricsFile:    optionalPath(input, fc.MetricsFile),
		FFmpeg:         fc.FFmpeg,
		ConfigFile:     cfgPath,
	}, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

func optionalPath(base, p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	return absCleanFrom(base, p)
}

// readFileConfig 读取并解析 YAML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
