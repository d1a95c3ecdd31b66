package compose

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/snapmem/internal/capture"
	"github.com/John-Robertt/snapmem/internal/domain"
	"github.com/John-Robertt/snapmem/internal/infra/ffmpeg"
)

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 80, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("编码 jpeg 失败：%v", err)
	}
	writeFile(t, path, buf.Bytes())
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.Set(x, y, color.NRGBA{255, 255, 255, 200})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("编码 png 失败：%v", err)
	}
	writeFile(t, path, buf.Bytes())
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}

func job(t *testing.T, kind domain.MediaKind, src, overlay, outDir string) domain.Job {
	t.Helper()
	d, err := capture.FromPath(src)
	return domain.Job{
		Ref:         filepath.Base(src),
		Kind:        kind,
		SrcAbs:      src,
		OverlayAbs:  overlay,
		DstAbs:      filepath.Join(outDir, filepath.Base(src)),
		DatePrefix:  capture.DatePrefix(src),
		CaptureDate: d,
		DateErr:     err,
	}
}

func assertStamped(t *testing.T, path string, want time.Time) {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat 失败：%v", err)
	}
	if !fi.ModTime().Equal(want) {
		t.Fatalf("mtime 不符合预期：got=%v want=%v", fi.ModTime(), want)
	}
}

func TestImage_WithOverlay(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "output")
	src := filepath.Join(in, "2023-05-17_0A1B-main.jpg")
	ovl := filepath.Join(in, "2023-05-17_0A1B-overlay.png")
	writeJPEG(t, src, 64, 48)
	writePNG(t, ovl, 16, 16)

	c := New(zerolog.Nop(), nil, Options{})
	res, err := c.Run(context.Background(), job(t, domain.KindImage, src, ovl, out))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Status != domain.StatusComposited {
		t.Fatalf("期望 composited，实际 %q", res.Status)
	}

	dst := filepath.Join(out, filepath.Base(src))
	f, err := os.Open(dst)
	if err != nil {
		t.Fatalf("打开输出失败：%v", err)
	}
	cfg, err := jpeg.DecodeConfig(f)
	_ = f.Close()
	if err != nil {
		t.Fatalf("输出不是 JPEG：%v", err)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Fatalf("输出尺寸应与主图一致：%dx%d", cfg.Width, cfg.Height)
	}
	assertStamped(t, dst, time.Date(2023, 5, 17, 0, 0, 0, 0, time.Local))
}

func TestImage_DeterministicOutput(t *testing.T) {
	in := t.TempDir()
	src := filepath.Join(in, "2023-05-17_0A1B-main.jpg")
	ovl := filepath.Join(in, "2023-05-17_0A1B-overlay.png")
	writeJPEG(t, src, 40, 30)
	writePNG(t, ovl, 9, 7)

	c := New(zerolog.Nop(), nil, Options{JPEGQuality: 90})
	outA := t.TempDir()
	outB := t.TempDir()
	if _, err := c.Run(context.Background(), job(t, domain.KindImage, src, ovl, outA)); err != nil {
		t.Fatalf("第一次合成失败：%v", err)
	}
	if _, err := c.Run(context.Background(), job(t, domain.KindImage, src, ovl, outB)); err != nil {
		t.Fatalf("第二次合成失败：%v", err)
	}
	a, _ := os.ReadFile(filepath.Join(outA, filepath.Base(src)))
	b, _ := os.ReadFile(filepath.Join(outB, filepath.Base(src)))
	if len(a) == 0 || !bytes.Equal(a, b) {
		t.Fatalf("两次合成结果应逐字节一致")
	}
}

func TestImage_NoOverlayStillReencodes(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := filepath.Join(in, "2022-01-02_X-main.jpg")
	writeJPEG(t, src, 20, 10)

	c := New(zerolog.Nop(), nil, Options{})
	res, err := c.Run(context.Background(), job(t, domain.KindImage, src, "", out))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Status != domain.StatusComposited {
		t.Fatalf("期望 composited，实际 %q", res.Status)
	}
	assertStamped(t, filepath.Join(out, filepath.Base(src)), time.Date(2022, 1, 2, 0, 0, 0, 0, time.Local))
}

func TestImage_DecodeFailed(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := filepath.Join(in, "2022-01-02_X-main.jpg")
	writeFile(t, src, []byte("not a jpeg"))

	c := New(zerolog.Nop(), nil, Options{})
	_, err := c.Run(context.Background(), job(t, domain.KindImage, src, "", out))
	if CodeOf(err) != domain.ErrCodeDecodeFailed {
		t.Fatalf("期望 decode_failed，实际 %q（%v）", CodeOf(err), err)
	}
	if _, statErr := os.Stat(filepath.Join(out, filepath.Base(src))); !os.IsNotExist(statErr) {
		t.Fatalf("失败时不应留下输出文件")
	}
}

func TestRun_DateInvalidWritesNothing(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := filepath.Join(in, "IMG_0001-main.jpg")
	writeJPEG(t, src, 8, 8)

	c := New(zerolog.Nop(), nil, Options{})
	_, err := c.Run(context.Background(), job(t, domain.KindImage, src, "", out))
	if CodeOf(err) != domain.ErrCodeDateInvalid {
		t.Fatalf("期望 date_invalid，实际 %q（%v）", CodeOf(err), err)
	}
	var de *capture.DateError
	if !errors.As(err, &de) {
		t.Fatalf("错误链里应包含 DateError：%v", err)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Fatalf("日期非法时不应写出任何文件：%v", entries)
	}
}

func TestRun_Unsupported(t *testing.T) {
	c := New(zerolog.Nop(), nil, Options{})
	_, err := c.Run(context.Background(), domain.Job{SrcAbs: "/in/2022-01-02_x.gif", DstAbs: "/out/2022-01-02_x.gif", CaptureDate: time.Now()})
	if CodeOf(err) != domain.ErrCodeUnsupported {
		t.Fatalf("期望 unsupported_media，实际 %q", CodeOf(err))
	}
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(zerolog.Nop(), nil, Options{})
	_, err := c.Run(ctx, domain.Job{Kind: domain.KindImage})
	if CodeOf(err) != domain.ErrCodeCanceled {
		t.Fatalf("期望 canceled，实际 %q", CodeOf(err))
	}
}

func TestCopy_ByteIdenticalAndStamped(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "output")
	src := filepath.Join(in, "2021-07-04_VID-main.mp4")
	data := bytes.Repeat([]byte("not really an mp4 "), 1000)
	writeFile(t, src, data)

	c := New(zerolog.Nop(), nil, Options{})
	res, err := c.Run(context.Background(), job(t, domain.KindVideo, src, "", out))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Status != domain.StatusCopied {
		t.Fatalf("期望 copied，实际 %q", res.Status)
	}
	dst := filepath.Join(out, filepath.Base(src))
	got, err := os.ReadFile(dst)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("输出应与源文件逐字节一致：err=%v", err)
	}
	assertStamped(t, dst, time.Date(2021, 7, 4, 0, 0, 0, 0, time.Local))
}

func TestCopy_TargetIsDirectory(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	src := filepath.Join(in, "2021-07-04_VID-main.mp4")
	writeFile(t, src, []byte("x"))
	if err := os.Mkdir(filepath.Join(out, filepath.Base(src)), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}

	c := New(zerolog.Nop(), nil, Options{})
	_, err := c.Run(context.Background(), job(t, domain.KindVideo, src, "", out))
	if CodeOf(err) != domain.ErrCodeTargetConflict {
		t.Fatalf("期望 target_conflict，实际 %q（%v）", CodeOf(err), err)
	}
}

func TestVideo_WithoutFFmpeg(t *testing.T) {
	in := t.TempDir()
	src := filepath.Join(in, "2021-07-04_VID-main.mp4")
	ovl := filepath.Join(in, "2021-07-04_VID-overlay.png")
	writeFile(t, src, []byte("x"))
	writePNG(t, ovl, 4, 4)

	c := New(zerolog.Nop(), nil, Options{})
	_, err := c.Run(context.Background(), job(t, domain.KindVideo, src, ovl, t.TempDir()))
	if CodeOf(err) != domain.ErrCodeDecodeFailed {
		t.Fatalf("没有 ffmpeg 时期望 decode_failed，实际 %q（%v）", CodeOf(err), err)
	}
}

func TestVideo_OverlayAndAudio(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("PATH 中没有 ffmpeg")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("PATH 中没有 ffprobe")
	}

	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "output")
	src := filepath.Join(in, "2020-02-29_VID-main.mp4")
	ovl := filepath.Join(in, "2020-02-29_VID-overlay.png")
	writePNG(t, ovl, 10, 10)

	gen := exec.Command("ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=size=64x48:rate=10",
		"-f", "lavfi", "-i", "sine=frequency=440:sample_rate=44100",
		"-frames:v", "15", "-c:v", "libx264", "-pix_fmt", "yuv420p", "-c:a", "aac", "-shortest", src)
	if b, err := gen.CombinedOutput(); err != nil {
		t.Skipf("cannot render test video: %v: %s", err, b)
	}

	ff, err := ffmpeg.New(zerolog.Nop(), ffmpeg.Options{})
	if err != nil {
		t.Fatalf("ffmpeg.New 失败：%v", err)
	}
	c := New(zerolog.Nop(), ff, Options{OverlayOpacity: DefaultOverlayOpacity})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := c.Run(ctx, job(t, domain.KindVideo, src, ovl, out))
	if err != nil {
		t.Fatalf("视频合成失败：%v", err)
	}
	if res.Status != domain.StatusComposited || res.Frames != 15 {
		t.Fatalf("结果不符合预期：%+v", res)
	}

	dst := filepath.Join(out, filepath.Base(src))
	srcInfo, err := ff.Probe(ctx, src)
	if err != nil {
		t.Fatalf("探测源文件失败：%v", err)
	}
	info, err := ff.Probe(ctx, dst)
	if err != nil {
		t.Fatalf("探测输出失败：%v", err)
	}
	if info.Width != 64 || info.Height != 48 || !info.HasAudio || info.Frames != 15 {
		t.Fatalf("输出不符合预期：%+v", info)
	}
	if d := info.AudioDuration - srcInfo.AudioDuration; srcInfo.AudioDuration <= 0 || d < -50*time.Millisecond || d > 50*time.Millisecond {
		t.Fatalf("音轨时长应与源一致：src=%v dst=%v", srcInfo.AudioDuration, info.AudioDuration)
	}

	// overlay 左半边是白色（alpha 200），右半边透明：只有左半边应该变亮。
	before := meanHalves(t, ff, src, 64, 48)
	after := meanHalves(t, ff, dst, 64, 48)
	if after[0]-before[0] < 20 {
		t.Fatalf("左半边应被 overlay 提亮：before=%v after=%v", before, after)
	}
	if d := after[1] - before[1]; d > 10 || d < -10 {
		t.Fatalf("透明区域不应变化：before=%v after=%v", before, after)
	}
	assertStamped(t, dst, time.Date(2020, 2, 29, 0, 0, 0, 0, time.Local))

	entries, _ := os.ReadDir(out)
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("输出目录只应有最终文件，实际：%v", names)
	}
}

// meanHalves 解码第一帧，返回左 1/3 与右 1/3 区域的平均亮度。
func meanHalves(t *testing.T, ff *ffmpeg.Executor, path string, w, h int) [2]float64 {
	t.Helper()
	dec, err := ff.StartDecoder(context.Background(), path, w, h)
	if err != nil {
		t.Fatalf("StartDecoder 失败：%v", err)
	}
	defer dec.Close()
	buf := make([]byte, w*h*3)
	if err := dec.ReadFrame(buf); err != nil {
		t.Fatalf("读取第一帧失败：%v", err)
	}

	var sum [2]float64
	var n [2]int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			side := -1
			switch {
			case x < w/3:
				side = 0
			case x >= w-w/3:
				side = 1
			}
			if side < 0 {
				continue
			}
			i := (y*w + x) * 3
			sum[side] += float64(buf[i]) + float64(buf[i+1]) + float64(buf[i+2])
			n[side] += 3
		}
	}
	return [2]float64{sum[0] / float64(n[0]), sum[1] / float64(n[1])}
}
