package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultLevel 是未配置 log_level 时的级别。
const DefaultLevel = "info"

// Init 初始化全局 logger：ConsoleWriter 写到 w（通常是 stderr；stdout 留给 RunReport JSON）。
//
// level 为空时使用 DefaultLevel；无法识别的级别返回错误（由配置层映射为 config_invalid）。
func Init(level string, w io.Writer, noColor bool) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(lvl)

	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
		NoColor:    noColor,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return log.Logger, nil
}

// ParseLevel 解析 debug/info/warn/error 等级别名；空串视为 DefaultLevel。
func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = DefaultLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("未知的日志级别 %q", level)
	}
	if lvl == zerolog.NoLevel {
		return zerolog.NoLevel, fmt.Errorf("未知的日志级别 %q", level)
	}
	return lvl, nil
}

// WithComponent 返回带 component 字段的全局 logger 子 logger。
func WithComponent(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
