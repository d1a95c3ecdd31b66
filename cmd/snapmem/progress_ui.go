package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/snapmem/internal/app/run"
	"github.com/John-Robertt/snapmem/internal/config"
	"github.com/John-Robertt/snapmem/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是一个“简洁版”的交互终端进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：长视频合成时也会定期输出一行
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	workers int
	total   int
	done    int
	ok      int
	fail    int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	fmt.Fprintf(p.w, "[%s] snapmem\n", now.Format("15:04:05"))
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  input: %s\n", eff.Input)
	fmt.Fprintf(p.w, "  config: %s\n", orNone(eff.ConfigFile))
	fmt.Fprintf(p.w, "  document_name: %s\n", eff.DocumentName)
	fmt.Fprintf(p.w, "  concurrency: %d\n", eff.Concurrency)
	fmt.Fprintf(p.w, "  jpeg_quality: %d\n", eff.JPEGQuality)
	fmt.Fprintf(p.w, "  overlay_opacity: %.2f\n", eff.OverlayOpacity)
	fmt.Fprintf(p.w, "  exclude_dirs: %s + 输出目录（位于输入目录内时）\n", formatStringListJSON(eff.ExcludeDirs))

	fmt.Fprintln(p.w, "输出:")
	fmt.Fprintf(p.w, "  output: %s\n", eff.Output)
	if eff.ReportFile != "" {
		fmt.Fprintf(p.w, "  report: %s\n", eff.ReportFile)
	}
	if eff.MetricsFile != "" {
		fmt.Fprintf(p.w, "  metrics: %s\n", eff.MetricsFile)
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "scan":
		fmt.Fprintf(p.w, "扫描: documents=%d (%s)\n",
			intField(fields, "documents"), formatShortDuration(dur),
		)
	case "parse":
		fmt.Fprintf(p.w, "解析: mains=%d overlays=%d warnings=%d (%s)\n",
			intField(fields, "mains"), intField(fields, "overlays"), intField(fields, "warnings"), formatShortDuration(dur),
		)
	case "plan":
		fmt.Fprintf(p.w, "规划: entries=%d with_overlay=%d conflicts=%d date_invalid=%d (%s)\n",
			intField(fields, "entries"),
			intField(fields, "with_overlay"),
			intField(fields, "conflicts"),
			intField(fields, "date_invalid"),
			formatShortDuration(dur),
		)
	case "exec":
		p.workers = intField(fields, "workers")
		p.total = intField(fields, "total_items")
		fmt.Fprintf(p.w, "执行: workers=%d total_items=%d\n\n", p.workers, p.total)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	default:
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// idx/total 由 run 层给出；这里同时维护自己的计数，供 keepalive 使用。
	p.done = idx
	p.total = total
	if res.Failed() {
		p.fail++
	} else {
		p.ok++
	}

	fmt.Fprintln(p.w, formatItemLine(idx, total, res, dur))
	p.lastPrinted = time.Now()

	// 最后一条完成：停止 ticker，避免在结束打印后又冒出 keepalive。
	if p.tickerStarted && p.done >= p.total {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) OnProgress(done, total, ok, fail, active int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, formatProgressLine(done, total, ok, fail, active, elapsed))
	p.lastPrinted = time.Now()
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stopCh := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && p.done >= p.total {
					p.mu.Unlock()
					return
				}
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					active := p.workers
					if remain := p.total - p.done; remain < active {
						active = remain
					}
					fmt.Fprintln(p.w, formatProgressLine(p.done, p.total, p.ok, p.fail, active, time.Since(p.startedAt)))
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stopCh:
				return
			}
		}
	}()
}

// formatItemLine 生成单条结果行，例如：
//
//	[3/10] 2023-05-17_0A1B-main.jpg OK composited overlay=2023-05-17_0A1B-overlay.png (0.2s)
//	[4/10] 2023-06-01_VID1-main.mp4 FAIL decode_failed: ... (1.0s)
func formatItemLine(idx, total int, res domain.ItemResult, dur time.Duration) string {
	name := filepath.Base(res.Src)
	if res.Src == "" {
		name = "<run>"
	}

	if res.Failed() {
		return fmt.Sprintf("[%d/%d] %s FAIL %s: %s (%s)",
			idx, total, name, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	}

	var extra strings.Builder
	if res.Overlay != "" {
		extra.WriteString(" overlay=" + filepath.Base(res.Overlay))
	}
	if res.Frames > 0 {
		fmt.Fprintf(&extra, " frames=%d", res.Frames)
	}
	if res.ExifDate != "" && res.ExifDate != res.CaptureDate {
		fmt.Fprintf(&extra, " exif_date=%s", res.ExifDate)
	}
	return fmt.Sprintf("[%d/%d] %s OK %s%s (%s)",
		idx, total, name, res.Status, extra.String(), formatShortDuration(dur),
	)
}

func formatProgressLine(done, total, ok, fail, active int, elapsed time.Duration) string {
	return fmt.Sprintf("进度: done=%d/%d ok=%d fail=%d active=%d elapsed=%s",
		done, total, ok, fail, active, formatElapsed(elapsed),
	)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(无)"
	}
	return s
}

func formatStringListJSON(xs []string) string {
	// json.Marshal(nil slice) => "null"；对用户更友好的是 "[]"
	if xs == nil {
		xs = []string{}
	}
	b, err := json.Marshal(xs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	default:
		return 0
	}
}
