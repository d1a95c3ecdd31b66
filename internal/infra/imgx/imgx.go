package imgx

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	_ "image/png" // 注册 PNG 解码器（overlay 固定是 PNG）
	"math"
	"os"

	"golang.org/x/image/draw"
)

// DefaultJPEGQuality 是输出 JPEG 的默认质量：在体积与质量之间比较均衡。
const DefaultJPEGQuality = 95

// Decode 解码 JPEG/PNG，并拒绝尺寸为 0 的图片。
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("图片为空")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.New("图片尺寸无效")
	}
	return img, nil
}

// DecodeFile = Decode(os.ReadFile(path))。
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// CompositeOver 把 overlay 拉伸到 base 的尺寸后，以 overlay 自身的 alpha 叠加到 base 的 (0,0)。
//
// 约束：
// - 不保持 overlay 宽高比（拉伸变形是可接受的）
// - overlay 为 nil 时只把 base 拷贝成 RGBA
// - 同样的输入总是得到同样的像素（没有随机性）
func CompositeOver(base, overlay image.Image) *image.RGBA {
	b := base.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), base, b.Min, draw.Src)
	if overlay == nil {
		return dst
	}

	// Scale 的 draw.Over 直接完成“缩放 + alpha 合成”，不需要中间图。
	draw.CatmullRom.Scale(dst, dst.Bounds(), overlay, overlay.Bounds(), draw.Over, nil)
	return dst
}

// EncodeJPEG 把图片编码为 JPEG；quality 非法时回退默认值。
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// ResizeRGB24 把 overlay 缩放到 w×h，并输出紧凑的 rgb24 像素（与 ffmpeg rawvideo rgb24 的布局一致）。
//
// 输出是 alpha 预乘后的颜色：完全透明的像素为 0，在加权叠加里不贡献任何亮度。
// 视频每帧尺寸相同，所以只需要缩放一次。
func ResizeRGB24(overlay image.Image, w, h int) []byte {
	if w <= 0 || h <= 0 {
		return nil
	}
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(rgba, rgba.Bounds(), overlay, overlay.Bounds(), draw.Src, nil)

	out := make([]byte, w*h*3)
	for i, j := 0, 0; i < len(rgba.Pix); i, j = i+4, j+3 {
		out[j] = rgba.Pix[i]
		out[j+1] = rgba.Pix[i+1]
		out[j+2] = rgba.Pix[i+2]
	}
	return out
}

// BlendAddWeighted 原地计算 frame = sat(frame*1 + overlay*weight)，逐通道四舍五入，不做 gamma 校正。
//
// frame 与 overlay 必须等长（同尺寸的 rgb24）；长度不一致时只处理公共前缀。
// overlay 来自 ResizeRGB24，已按 alpha 预乘；与直接叠加 PNG 的 RGB 通道（忽略 alpha）相比，
// 半透明像素贡献的亮度更低，完全透明的像素不贡献亮度。
func BlendAddWeighted(frame, overlay []byte, weight float64) {
	n := len(frame)
	if len(overlay) < n {
		n = len(overlay)
	}
	if weight <= 0 {
		return
	}

	// 权重固定，预先算好 256 项查表，避免每个像素做浮点运算。
	var add [256]int
	for v := range add {
		add[v] = int(math.Round(float64(v) * weight))
	}
	for i := 0; i < n; i++ {
		v := int(frame[i]) + add[overlay[i]]
		if v > 255 {
			v = 255
		}
		frame[i] = byte(v)
	}
}
