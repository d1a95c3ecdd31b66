package domain

import "strings"

// MediaRef 是 memories.html 中记录的一条媒体引用。
//
// 约束：
// - Ref 保持文档中的原样（可能带 ".//" 目录标记），匹配阶段只对它做子串判断
// - Folder 是该文档所在目录；Ref 必须相对 Folder 解析
type MediaRef struct {
	Ref    string
	Folder string
}

// MediaKind 是主媒体的类型（决定走哪个 compositor）。
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// dirMarker 是导出文档里 src 前缀的目录标记。
const dirMarker = ".//"

// CleanRef 去掉 Ref 中所有 ".//" 目录标记。
func CleanRef(ref string) string {
	return strings.ReplaceAll(ref, dirMarker, "")
}

// KindOf 按引用路径判定主媒体类型。
// 判定顺序与导出文档一致：先 mp4 后 jpg；都不是则返回 false。
func KindOf(ref string) (MediaKind, bool) {
	low := strings.ToLower(ref)
	switch {
	case strings.Contains(low, "mp4"):
		return KindVideo, true
	case strings.Contains(low, "jpg"):
		return KindImage, true
	default:
		return "", false
	}
}
