package run

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/snapmem/internal/app/planner"
	"github.com/John-Robertt/snapmem/internal/capture"
	"github.com/John-Robertt/snapmem/internal/compose"
	"github.com/John-Robertt/snapmem/internal/config"
	"github.com/John-Robertt/snapmem/internal/domain"
	"github.com/John-Robertt/snapmem/internal/infra/ffmpeg"
	"github.com/John-Robertt/snapmem/internal/memories"
	"github.com/John-Robertt/snapmem/internal/scan"
	"github.com/John-Robertt/snapmem/internal/telemetry"
)

// Deps 是一次运行用到的外部依赖；零值可用（无日志、无 ffmpeg、无指标）。
type Deps struct {
	Logger zerolog.Logger
	// FFmpeg 为 nil 时，带 overlay 的视频条目失败（decode_failed），其余条目不受影响。
	FFmpeg  *ffmpeg.Executor
	Metrics *telemetry.Metrics
}

// Execute 执行一次运行，并返回对外稳定的 RunReport。
// 该函数尽量把错误“降级”为 item 级失败（单条失败不影响其他）。
func Execute(ctx context.Context, eff config.EffectiveConfig, deps Deps) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, deps, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, deps Deps, obs Observer) domain.RunReport {
	logger := deps.Logger.With().Str("component", "run").Logger()

	if obs != nil {
		obs.OnStart(eff)
	}

	rr := domain.RunReport{
		Input:     eff.Input,
		Output:    eff.Output,
		StartedAt: time.Now().UTC(),
		Items:     make([]domain.ItemResult, 0, 128),
	}
	abort := func(code, msg string) domain.RunReport {
		logger.Error().Str("error_code", code).Msg(msg)
		rr.Items = append(rr.Items, syntheticFailed(code, msg))
		deps.Metrics.ObserveEntry("", domain.StatusFailed, 0, 0)
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr
	}

	// 输出目录在输入树内时排除，避免重跑时读到自己的产物；覆盖整个输入树的排除项由 scan 忽略。
	excludes := append(append([]string{}, eff.ExcludeDirs...), eff.Output)

	scanStarted := time.Now()
	docs, err := scan.FindDocuments(eff.Input, eff.DocumentName, excludes)
	if err != nil {
		return abort(domain.ErrCodeScanFailed, fmt.Sprintf("扫描失败：%v", err))
	}
	if obs != nil {
		obs.OnPhaseDone("scan", map[string]any{
			"documents": len(docs),
		}, time.Since(scanStarted))
	}

	parseStarted := time.Now()
	coll, err := memories.Collect(docs)
	if err != nil {
		return abort(domain.ErrCodeParseFailed, fmt.Sprintf("元数据解析失败：%v", err))
	}
	warnings := 0
	for _, d := range coll.Docs {
		for _, w := range d.Warnings {
			logger.Warn().Str("document", d.Path).Msg(w)
		}
		warnings += len(d.Warnings)
	}
	logger.Info().
		Int("documents", len(docs)).
		Int("mains", len(coll.Mains)).
		Int("overlays", len(coll.Overlays)).
		Msg("metadata parsed")
	if obs != nil {
		obs.OnPhaseDone("parse", map[string]any{
			"mains":    len(coll.Mains),
			"overlays": len(coll.Overlays),
			"warnings": warnings,
		}, time.Since(parseStarted))
	}

	planStarted := time.Now()
	jobs := planner.PlanJobs(coll.Mains, coll.Overlays, eff.Output)
	if obs != nil {
		var matched, conflicts, badDates int
		for i := range jobs {
			if jobs[i].HasOverlay() {
				matched++
			}
			if jobs[i].ConflictWith != "" {
				conflicts++
			}
			if jobs[i].DateErr != nil {
				badDates++
			}
		}
		obs.OnPhaseDone("plan", map[string]any{
			"entries":      len(jobs),
			"with_overlay": matched,
			"conflicts":    conflicts,
			"date_invalid": badDates,
		}, time.Since(planStarted))
	}

	if err := os.MkdirAll(eff.Output, 0o755); err != nil {
		return abort(domain.ErrCodeIOFailed, fmt.Sprintf("创建输出目录失败：%v", err))
	}

	// 执行阶段：按条目并发（errgroup 限流），条目内串行。
	workers := eff.Concurrency
	if workers < 1 {
		workers = 1
	}
	if obs != nil {
		obs.OnPhaseDone("exec", map[string]any{
			"workers":     workers,
			"total_items": len(jobs),
		}, 0)
	}

	comp := compose.New(deps.Logger, deps.FFmpeg, compose.Options{
		JPEGQuality:    eff.JPEGQuality,
		OverlayOpacity: eff.OverlayOpacity,
	})

	results := make([]domain.ItemResult, len(jobs))
	var (
		mu   sync.Mutex
		done int
	)
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range jobs {
		g.Go(func() error {
			started := time.Now()
			res := execOne(ctx, logger, comp, jobs[i])
			dur := time.Since(started)
			results[i] = res
			deps.Metrics.ObserveEntry(string(res.Kind), res.Status, res.Frames, dur)

			mu.Lock()
			done++
			idx := done
			if obs != nil {
				obs.OnItemDone(idx, len(jobs), res, dur)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rr.Items = append(rr.Items, results...)
	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	logger.Info().
		Int("composited", rr.Summary.Composited).
		Int("copied", rr.Summary.Copied).
		Int("failed", rr.Summary.Failed).
		Msg("run finished")
	return rr
}

func syntheticFailed(code, msg string) domain.ItemResult {
	return domain.ItemResult{
		Status:    domain.StatusFailed,
		ErrorCode: code,
		ErrorMsg:  msg,
	}
}

// execOne 处理单条主媒体：冲突检查 -> 合成/拷贝 -> EXIF 比对（仅诊断）。
func execOne(ctx context.Context, logger zerolog.Logger, comp *compose.Compositor, job domain.Job) domain.ItemResult {
	item := domain.ItemResult{
		Src:     job.SrcAbs,
		Ref:     job.Ref,
		Kind:    job.Kind,
		Overlay: job.OverlayAbs,
		Dst:     job.DstAbs,
	}
	if job.DateErr == nil {
		item.CaptureDate = job.CaptureDate.Format(capture.DateLayout)
	}

	fail := func(code, msg string) domain.ItemResult {
		item.Status = domain.StatusFailed
		item.ErrorCode = code
		item.ErrorMsg = msg
		item.Dst = ""
		logger.Error().Str("src", job.SrcAbs).Str("error_code", code).Msg(msg)
		return item
	}

	if job.ConflictWith != "" {
		return fail(domain.ErrCodeTargetConflict, fmt.Sprintf("输出文件 %q 已被 %q 占用", job.DstAbs, job.ConflictWith))
	}

	res, err := comp.Run(ctx, job)
	if err != nil {
		return fail(compose.CodeOf(err), err.Error())
	}
	item.Status = res.Status
	item.Frames = res.Frames

	if job.Kind == domain.KindImage {
		checkEXIF(logger, job, &item)
	}

	logger.Info().
		Str("src", job.SrcAbs).
		Str("status", item.Status).
		Bool("overlay", job.HasOverlay()).
		Msg("entry done")
	return item
}

// checkEXIF 记录 JPEG 的 EXIF 拍摄日期；与文件名日期不一致时只告警，时间戳仍以文件名为准。
func checkEXIF(logger zerolog.Logger, job domain.Job, item *domain.ItemResult) {
	t, ok, err := capture.EXIFDate(job.SrcAbs)
	if err != nil || !ok {
		return
	}
	item.ExifDate = t.Format(capture.DateLayout)
	if !capture.SameDay(t, job.CaptureDate) {
		logger.Warn().
			Str("src", job.SrcAbs).
			Str("capture_date", item.CaptureDate).
			Str("exif_date", item.ExifDate).
			Msg("exif date differs from file name date")
	}
}
