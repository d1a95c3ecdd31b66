package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// DateLayout 是导出文件名前缀的日期格式（YYYY-MM-DD）。
const DateLayout = "2006-01-02"

// prefixLen 是文件名中日期前缀的固定长度。
const prefixLen = len(DateLayout)

// DateError 表示文件名前缀无法解码为日期。
type DateError struct {
	Path   string
	Prefix string
	Err    error
}

func (e *DateError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("无法从文件名 %q 解析拍摄日期（前缀 %q 不是 YYYY-MM-DD）：%v", filepath.Base(e.Path), e.Prefix, e.Err)
	}
	return fmt.Sprintf("前缀 %q 不是 YYYY-MM-DD：%v", e.Prefix, e.Err)
}

func (e *DateError) Unwrap() error { return e.Err }

// DatePrefix 返回文件名（不含目录）的前 10 个字符。
//
// 纯语法操作：不做任何校验；文件名不足 10 个字符时原样返回，由 ParseDate 负责报错。
func DatePrefix(path string) string {
	name := filepath.Base(path)
	if len(name) < prefixLen {
		return name
	}
	return name[:prefixLen]
}

// ParseDate 把 YYYY-MM-DD 解码为本地时区当天 00:00:00。
func ParseDate(prefix string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, prefix, time.Local)
	if err != nil {
		return time.Time{}, &DateError{Prefix: prefix, Err: err}
	}
	return t, nil
}

// FromPath = ParseDate(DatePrefix(path))，错误中带上路径便于定位。
func FromPath(path string) (time.Time, error) {
	prefix := DatePrefix(path)
	t, err := ParseDate(prefix)
	if err != nil {
		return time.Time{}, &DateError{Path: path, Prefix: prefix, Err: err.(*DateError).Err}
	}
	return t, nil
}

// EXIFDate 读取 JPEG 的 DateTimeOriginal（缺失时回退 DateTime）。
// 没有 EXIF 或标签缺失时返回 ok=false 且不报错；导出文件通常已剥离 EXIF。
func EXIFDate(path string) (t time.Time, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false, err
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return time.Time{}, false, nil
	}
	t, err = x.DateTime()
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// SameDay 报告两个时间在本地时区是否为同一天。
func SameDay(a, b time.Time) bool {
	return a.Local().Format(DateLayout) == b.Local().Format(DateLayout)
}
