package compose

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/snapmem/internal/domain"
	"github.com/John-Robertt/snapmem/internal/infra/ffmpeg"
	"github.com/John-Robertt/snapmem/internal/infra/imgx"
)

const (
	fakeW = 4
	fakeH = 2
)

// fakeTools 描述假 ffmpeg/ffprobe 的行为：
//   - ffprobe 报告 fakeW×fakeH、10/1 帧率、nbFrames 帧（空串表示不报告帧数）
//   - 解码器输出 decoded 帧全 0 的 rgb24
//   - 编码器把收到的原始帧原样写入输出文件；encoderFails 时直接以非 0 退出
//   - 混流把无声中间文件原样拷贝到最终输出
type fakeTools struct {
	nbFrames     string
	decoded      int
	encoderFails bool
}

func (f fakeTools) install(t *testing.T) *ffmpeg.Executor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("需要 /bin/sh")
	}
	dir := t.TempDir()

	stream := fmt.Sprintf(`"codec_type": "video", "codec_name": "h264", "width": %d, "height": %d, "r_frame_rate": "10/1"`, fakeW, fakeH)
	if f.nbFrames != "" {
		stream += fmt.Sprintf(`, "nb_frames": %q`, f.nbFrames)
	}
	ffprobeScript := "#!/bin/sh\ncat <<'EOF'\n{\"streams\": [{" + stream + "}], \"format\": {}}\nEOF\n"

	encoder := `cat > "$last"; exit 0`
	if f.encoderFails {
		encoder = `echo "encoder exploded" >&2; exit 1`
	}
	ff := fmt.Sprintf(`#!/bin/sh
last=""
prev=""
enc=0
for a in "$@"; do
  if [ "$prev" = "-i" ] && [ "$a" = "-" ]; then enc=1; fi
  prev="$a"
  last="$a"
done
if [ "$enc" = 1 ]; then
  %s
fi
if [ "$last" = "-" ]; then
  head -c %d /dev/zero
  exit 0
fi
silent=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ] && [ -z "$silent" ]; then silent="$a"; fi
  prev="$a"
done
cp "$silent" "$last"
`, encoder, f.decoded*fakeW*fakeH*3)

	ffPath := filepath.Join(dir, "ffmpeg")
	ffprobePath := filepath.Join(dir, "ffprobe")
	if err := os.WriteFile(ffPath, []byte(ff), 0o755); err != nil {
		t.Fatalf("写入假 ffmpeg 失败：%v", err)
	}
	if err := os.WriteFile(ffprobePath, []byte(ffprobeScript), 0o755); err != nil {
		t.Fatalf("写入假 ffprobe 失败：%v", err)
	}

	e, err := ffmpeg.New(zerolog.Nop(), ffmpeg.Options{FFmpegPath: ffPath, FFprobePath: ffprobePath})
	if err != nil {
		t.Fatalf("ffmpeg.New 失败：%v", err)
	}
	return e
}

// writeSolidPNG 写一张纯色不透明的 overlay。
func writeSolidPNG(t *testing.T, path string, c color.NRGBA) image.Image {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, fakeW, fakeH))
	for y := 0; y < fakeH; y++ {
		for x := 0; x < fakeW; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("编码 png 失败：%v", err)
	}
	writeFile(t, path, buf.Bytes())
	return img
}

func videoFixture(t *testing.T) (src, ovl, out string, overlay image.Image) {
	t.Helper()
	in := t.TempDir()
	out = filepath.Join(t.TempDir(), "output")
	src = filepath.Join(in, "2022-03-01_FAKE-main.mp4")
	ovl = filepath.Join(in, "2022-03-01_FAKE-overlay.png")
	writeFile(t, src, []byte("not really a video"))
	overlay = writeSolidPNG(t, ovl, color.NRGBA{200, 100, 0, 255})
	return src, ovl, out, overlay
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("读取目录失败：%v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestVideo_StopsAtFirstShortRead(t *testing.T) {
	ff := fakeTools{nbFrames: "10", decoded: 3}.install(t)
	src, ovl, out, overlay := videoFixture(t)

	c := New(zerolog.Nop(), ff, Options{OverlayOpacity: DefaultOverlayOpacity})
	res, err := c.Run(context.Background(), job(t, domain.KindVideo, src, ovl, out))
	if err != nil {
		t.Fatalf("视频合成失败：%v", err)
	}
	if res.Status != domain.StatusComposited || res.Frames != 3 {
		t.Fatalf("报告 10 帧、只能解出 3 帧时应写出 3 帧：%+v", res)
	}

	dst := filepath.Join(out, filepath.Base(src))
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("读取输出失败：%v", err)
	}
	frameSize := fakeW * fakeH * 3
	if len(got) != 3*frameSize {
		t.Fatalf("输出应恰好是 3 帧：%d 字节", len(got))
	}

	want := make([]byte, frameSize)
	imgx.BlendAddWeighted(want, imgx.ResizeRGB24(overlay, fakeW, fakeH), DefaultOverlayOpacity)
	if want[0] != 100 || want[1] != 50 || want[2] != 0 {
		t.Fatalf("期望像素 (100,50,0)，实际 %v", want[:3])
	}
	for i := 0; i < 3; i++ {
		if !bytes.Equal(got[i*frameSize:(i+1)*frameSize], want) {
			t.Fatalf("第 %d 帧没有叠加 overlay：%v", i, got[i*frameSize:(i+1)*frameSize])
		}
	}

	assertStamped(t, dst, time.Date(2022, 3, 1, 0, 0, 0, 0, time.Local))
	if names := dirNames(t, out); len(names) != 1 || names[0] != filepath.Base(src) {
		t.Fatalf("输出目录只应有最终文件，实际：%v", names)
	}
}

func TestVideo_UnknownFrameCount_ReadsToEOF(t *testing.T) {
	ff := fakeTools{decoded: 5}.install(t)
	src, ovl, out, _ := videoFixture(t)

	c := New(zerolog.Nop(), ff, Options{OverlayOpacity: DefaultOverlayOpacity})
	res, err := c.Run(context.Background(), job(t, domain.KindVideo, src, ovl, out))
	if err != nil {
		t.Fatalf("视频合成失败：%v", err)
	}
	if res.Frames != 5 {
		t.Fatalf("未报告帧数时应读到 EOF：frames=%d", res.Frames)
	}
}

func TestVideo_EncoderFailure_RemovesIntermediates(t *testing.T) {
	ff := fakeTools{nbFrames: "4", decoded: 4, encoderFails: true}.install(t)
	src, ovl, out, _ := videoFixture(t)

	c := New(zerolog.Nop(), ff, Options{OverlayOpacity: DefaultOverlayOpacity})
	_, err := c.Run(context.Background(), job(t, domain.KindVideo, src, ovl, out))
	if CodeOf(err) != domain.ErrCodeEncodeFailed {
		t.Fatalf("期望 encode_failed，实际 %q（%v）", CodeOf(err), err)
	}
	if names := dirNames(t, out); len(names) != 0 {
		t.Fatalf("失败后不应留下任何文件（含 -tmp 与 .silent-*）：%v", names)
	}
}

func TestVideo_NoDecodableFrames(t *testing.T) {
	ff := fakeTools{nbFrames: "4", decoded: 0}.install(t)
	src, ovl, out, _ := videoFixture(t)

	c := New(zerolog.Nop(), ff, Options{OverlayOpacity: DefaultOverlayOpacity})
	_, err := c.Run(context.Background(), job(t, domain.KindVideo, src, ovl, out))
	if CodeOf(err) != domain.ErrCodeDecodeFailed {
		t.Fatalf("期望 decode_failed，实际 %q（%v）", CodeOf(err), err)
	}
	if names := dirNames(t, out); len(names) != 0 {
		t.Fatalf("失败后不应留下任何文件：%v", names)
	}
}
