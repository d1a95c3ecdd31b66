package planner

import (
	"path/filepath"

	"github.com/John-Robertt/snapmem/internal/app"
	"github.com/John-Robertt/snapmem/internal/capture"
	"github.com/John-Robertt/snapmem/internal/domain"
)

// PlanJobs 为每条主媒体引用生成确定性的执行计划（不做任何读写）。
//
// 规则：
// - 源路径 = folder + 去掉 ".//" 的引用；overlay 同理（相对它自己的 folder）
// - 输出路径 = outDir + 源文件名（保留原文件名与扩展名大小写）
// - 同名输出按 mains 顺序先到先得；后来者记录 ConflictWith，由执行阶段判失败
// - 日期解码失败只记录在 DateErr 上，不中断其它条目的规划
func PlanJobs(mains, overlays []domain.MediaRef, outDir string) []domain.Job {
	claimed := make(map[string]string, len(mains))
	jobs := make([]domain.Job, 0, len(mains))

	for _, m := range mains {
		src := resolve(m)
		kind, _ := domain.KindOf(m.Ref)

		j := domain.Job{
			Ref:        m.Ref,
			Kind:       kind,
			SrcAbs:     src,
			DstAbs:     filepath.Join(outDir, filepath.Base(src)),
			DatePrefix: capture.DatePrefix(src),
		}
		if o, ok := app.FindOverlay(m.Ref, overlays); ok {
			j.OverlayAbs = resolve(o)
		}
		j.CaptureDate, j.DateErr = capture.FromPath(src)

		if prev, ok := claimed[j.DstAbs]; ok {
			j.ConflictWith = prev
		} else {
			claimed[j.DstAbs] = src
		}
		jobs = append(jobs, j)
	}
	return jobs
}

func resolve(r domain.MediaRef) string {
	p := filepath.Join(r.Folder, domain.CleanRef(r.Ref))
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
