package scan

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultDocumentName 是导出包中元数据文档的固定文件名。
const DefaultDocumentName = "memories.html"

// FindDocuments 扫描 root 下所有名为 name 的元数据文档，并应用目录排除规则。
//
// 规则：
// - excludeDirs 中的相对路径视为相对 root；绝对路径按绝对路径处理
// - 调用方应把输出目录放进 excludeDirs，避免重跑时扫描到自己的产物
// - 等于 root 或是 root 祖先目录的排除项忽略（例如输出目录就是输入目录或其上级）
// - 文件名比较区分大小写（导出包里就是小写的 memories.html）
//
// 注意：扫描阶段只看目录项，不读文件内容。
func FindDocuments(root, name string, excludeDirs []string) ([]string, error) {
	root = filepath.Clean(root)
	if strings.TrimSpace(name) == "" {
		name = DefaultDocumentName
	}
	excluded := buildExcluded(root, excludeDirs)

	docs := make([]string, 0, 8)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		// 统一的排除判断：目录用 SkipDir，文件则直接跳过。root 自身永不排除。
		if path != root && isExcluded(path, excluded) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || d.Name() != name {
			return nil
		}
		docs = append(docs, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 不对完整路径再排序：WalkDir 逐层按文件名排序，这个顺序决定了 overlay 的“先到先得”。
	// 例如 mydata/ 必须排在 mydata-2/ 之前，而完整路径字典序会反过来。
	return docs, nil
}

func buildExcluded(root string, excludeDirs []string) []string {
	excluded := make([]string, 0, len(excludeDirs))
	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if !filepath.IsAbs(x) {
			x = filepath.Join(root, x)
		}
		x = filepath.Clean(x)
		if isUnder(root, x) {
			continue
		}
		excluded = append(excluded, x)
	}
	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if isUnder(path, base) {
			return true
		}
	}
	return false
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(path, base+sep)
}
