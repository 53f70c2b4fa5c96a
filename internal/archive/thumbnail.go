package archive

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// ThumbnailWidth is the listing preview width in pixels.
const ThumbnailWidth = 320

// Thumbnail scales a screenshot down to the listing preview size.
func Thumbnail(screenshotPNG []byte) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(screenshotPNG))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Dx() <= ThumbnailWidth {
		return screenshotPNG, nil
	}

	height := bounds.Dy() * ThumbnailWidth / bounds.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, ThumbnailWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
