package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/snapmem/internal/app/run"
	"github.com/John-Robertt/snapmem/internal/config"
	"github.com/John-Robertt/snapmem/internal/domain"
	"github.com/John-Robertt/snapmem/internal/infra/ffmpeg"
	"github.com/John-Robertt/snapmem/internal/infra/fsx"
	"github.com/John-Robertt/snapmem/internal/logging"
	"github.com/John-Robertt/snapmem/internal/telemetry"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute 解析参数并运行；cobra 自身的错误（参数个数、未知 flag）一律视为用法错误。
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := exitOK
	cmd := newRootCmd(&code)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "参数错误：%v\n\n%s", err, cmd.UsageString())
		return exitUsage
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	var outputFolder string

	cmd := &cobra.Command{
		Use:   "snapmem <input_folder>",
		Short: "把 Snapchat Memories 导出包里的 overlay 合成回照片和视频",
		Long: `snapmem 扫描 <input_folder> 下所有 memories.html，把每条主媒体（JPG/MP4）与
匹配的 overlay（PNG）合成后写入输出目录，并把文件时间设为文件名中的拍摄日期。

其余选项放在 <input_folder>/snapmem.yaml 中（可选）。`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = runCmd(cmd.Context(), config.CLIArgs{
				Input:           args[0],
				OutputFolder:    outputFolder,
				OutputFolderSet: cmd.Flags().Changed("output_folder"),
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&outputFolder, "output_folder", config.DefaultOutputFolder, "输出目录（相对当前目录）")
	return cmd
}

func runCmd(ctx context.Context, cli config.CLIArgs) int {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return exitFailed
	}

	eff, err := config.LoadEffective(cwd, cli)
	if err != nil {
		emitReport(reportForConfigError(cwd, cli, err))
		return exitFailed
	}

	progressW, interactive := pickProgressWriter()

	// 交互终端下进度输出已经逐条展示结果，日志默认只保留 warn 以上。
	level := eff.LogLevel
	if level == "" && interactive {
		level = "warn"
	}
	logger, err := logging.Init(level, os.Stderr, !isTTY(os.Stderr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败：%v\n", err)
		return exitFailed
	}

	deps := run.Deps{Logger: logger}
	ff, err := ffmpeg.New(logger, ffmpeg.Options{
		FFmpegPath:   eff.FFmpeg.FFmpegPath,
		FFprobePath:  eff.FFmpeg.FFprobePath,
		VideoCodec:   eff.FFmpeg.VideoCodec,
		VideoProfile: eff.FFmpeg.VideoProfile,
		PixFmt:       eff.FFmpeg.PixFmt,
		Threads:      eff.FFmpeg.Threads,
	})
	if err != nil {
		cliLog := logging.WithComponent("cli")
		cliLog.Warn().Err(err).Msg("ffmpeg 不可用：带 overlay 的视频会失败，其余条目照常处理")
	} else {
		deps.FFmpeg = ff
	}
	if eff.MetricsFile != "" {
		deps.Metrics = telemetry.New()
	}

	var obs run.Observer
	if interactive {
		obs = newProgressUI(progressW)
	}

	rr := run.ExecuteWithObserver(ctx, eff, deps, obs)

	code := exitOK
	if rr.Summary.Failed > 0 {
		code = exitFailed
	}
	if eff.ReportFile != "" {
		if err := writeReportFile(eff.ReportFile, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入 report_file 失败：%v\n", err)
			code = exitFailed
		}
	}
	if deps.Metrics != nil {
		if err := deps.Metrics.WriteTextfile(eff.MetricsFile); err != nil {
			fmt.Fprintf(os.Stderr, "写入 metrics_file 失败：%v\n", err)
			code = exitFailed
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	return code
}

func emitReport(rr domain.RunReport) {
	summary := fmt.Sprintf("完成：composited=%d copied=%d failed=%d",
		rr.Summary.Composited, rr.Summary.Copied, rr.Summary.Failed,
	)

	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summary)
		for _, it := range rr.Items {
			if !it.Failed() {
				continue
			}
			key := it.Src
			if key == "" {
				key = "<run>"
			}
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", key, it.ErrorCode, it.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(os.Stderr, summary)
}

func reportForConfigError(cwd string, cli config.CLIArgs, err error) domain.RunReport {
	input := cli.Input
	if input != "" && !filepath.IsAbs(input) {
		input = filepath.Join(cwd, input)
	}
	now := time.Now().UTC()
	rr := domain.RunReport{
		Input:      input,
		Output:     cli.OutputFolder,
		StartedAt:  now,
		FinishedAt: now,
		Items: []domain.ItemResult{{
			Status:    domain.StatusFailed,
			ErrorCode: config.Code(err),
			ErrorMsg:  err.Error(),
		}},
	}
	rr.Finalize()
	return rr
}

func writeReportFile(path string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "output: %s\n", eff.Output)
	if eff.ReportFile != "" {
		fmt.Fprintf(w, "report: %s\n", eff.ReportFile)
	}
	if eff.MetricsFile != "" {
		fmt.Fprintf(w, "metrics: %s\n", eff.MetricsFile)
	}
}
