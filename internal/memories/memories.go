package memories

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/snapmem/internal/domain"
)

// overlayChildCount 是“显式 overlay”容器的后代元素个数：此时 overlay 在 img.overlay-image 上。
const overlayChildCount = 4

// Document 是单个 memories.html 的解析结果。
//
// 约束：
// - Overlays/Mains 保持文档中的出现顺序（匹配阶段的“先到先得”依赖它）
// - Warnings 记录被跳过的容器；解析是 best-effort，缺元素不算错误
type Document struct {
	Path     string
	Overlays []domain.MediaRef
	Mains    []domain.MediaRef
	Warnings []string
}

// Parse 解析一份 memories.html，folder 是该文档所在目录（引用相对它解析）。
//
// 规则（按 div.image-container 的 outer HTML 依次判断，一个容器可以同时命中多条）：
// - 含 ".png"：overlay。恰好 4 个后代元素时取 img.overlay-image 的 src，否则取第一个 img 的 src
// - 含 ".mp4"：主媒体，取第一个 video 的 src
// - 含 ".jpg"：主媒体，取第一个 img 的 src
//
// Parse 必须是纯函数（只依赖输入的 html 与 folder）。
func Parse(r io.Reader, folder string) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Document{}, err
	}

	out := Document{}
	doc.Find("div.image-container").Each(func(i int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("第 %d 个容器无法序列化：%v", i, err))
			return
		}

		if strings.Contains(html, ".png") {
			img := s.Find("img").First()
			if s.Find("*").Length() == overlayChildCount {
				img = s.Find("img.overlay-image").First()
			}
			if src, ok := srcOf(img); ok {
				out.Overlays = append(out.Overlays, domain.MediaRef{Ref: src, Folder: folder})
			} else {
				out.Warnings = append(out.Warnings, fmt.Sprintf("第 %d 个容器声明了 overlay 但找不到 img src", i))
			}
		}

		if strings.Contains(html, ".mp4") {
			if src, ok := srcOf(s.Find("video").First()); ok {
				out.Mains = append(out.Mains, domain.MediaRef{Ref: src, Folder: folder})
			} else {
				out.Warnings = append(out.Warnings, fmt.Sprintf("第 %d 个容器声明了视频但找不到 video src", i))
			}
		}

		if strings.Contains(html, ".jpg") {
			if src, ok := srcOf(s.Find("img").First()); ok {
				out.Mains = append(out.Mains, domain.MediaRef{Ref: src, Folder: folder})
			} else {
				out.Warnings = append(out.Warnings, fmt.Sprintf("第 %d 个容器声明了图片但找不到 img src", i))
			}
		}
	})
	return out, nil
}

// Load 打开并解析 path 指向的文档，folder 取文档所在目录。
func Load(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer f.Close()

	d, err := Parse(f, filepath.Dir(path))
	if err != nil {
		return Document{}, fmt.Errorf("解析 %s 失败：%w", path, err)
	}
	d.Path = path
	return d, nil
}

// Collection 汇总多份文档的引用。
//
// 媒体与它的 overlay 可能分布在不同的导出目录（mydata/、mydata-2/ ...），
// 所以两个集合是跨文档的全局列表。
type Collection struct {
	Overlays []domain.MediaRef
	Mains    []domain.MediaRef
	Docs     []Document
}

// Collect 按 paths 的顺序逐个 Load 并拼接结果。任一文档失败即返回错误（元数据错误对整次运行致命）。
func Collect(paths []string) (Collection, error) {
	var c Collection
	for _, p := range paths {
		d, err := Load(p)
		if err != nil {
			return Collection{}, err
		}
		c.Overlays = append(c.Overlays, d.Overlays...)
		c.Mains = append(c.Mains, d.Mains...)
		c.Docs = append(c.Docs, d)
	}
	return c, nil
}

func srcOf(s *goquery.Selection) (string, bool) {
	if s.Length() == 0 {
		return "", false
	}
	src, ok := s.Attr("src")
	if !ok {
		return "", false
	}
	src = strings.TrimSpace(src)
	return src, src != ""
}
