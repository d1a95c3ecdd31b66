package app

import (
	"strings"

	"github.com/John-Robertt/snapmem/internal/domain"
)

// Identifier 从主媒体引用推导匹配键：去掉 ".//" 目录标记，再去掉最后一个 "-" 之后的后缀。
//
// 例：".//2023-05-17_0A1B-main.jpg" => "2023-05-17_0A1B"
// 没有 "-" 时返回整串。
func Identifier(ref string) string {
	ref = domain.CleanRef(ref)
	if i := strings.LastIndex(ref, "-"); i >= 0 {
		return ref[:i]
	}
	return ref
}

// FindOverlay 在 overlays 中线性查找第一个引用包含 Identifier(ref) 的条目。
//
// 已知限制（保持导出工具的行为，不做“修正”）：
// - 子串匹配是宽松的：一个 identifier 是另一个的子串时可能匹配到错误的 overlay
// - 多个候选时按扫描顺序取第一个
func FindOverlay(ref string, overlays []domain.MediaRef) (domain.MediaRef, bool) {
	id := Identifier(ref)
	for _, o := range overlays {
		if strings.Contains(o.Ref, id) {
			return o, true
		}
	}
	return domain.MediaRef{}, false
}
