package camera

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// DataURLPrefix is what the backend expects in front of every frame.
const DataURLPrefix = "data:image/jpeg;base64,"

var ErrEmptyFrame = errors.New("frame has no dimensions")

// EncodeDataURL compresses img as JPEG at quality (1-100) and returns it as a
// base64 data URL. Frames wider than maxWidth are scaled down first; zero
// keeps the native size.
func EncodeDataURL(img image.Image, quality, maxWidth int) (string, error) {
	if img == nil {
		return "", ErrEmptyFrame
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return "", ErrEmptyFrame
	}

	if maxWidth > 0 && bounds.Dx() > maxWidth {
		height := bounds.Dy() * maxWidth / bounds.Dx()
		if height < 1 {
			height = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, bounds, draw.Src, nil)
		img = scaled
	}

	var buf bytes.Buffer
	buf.Grow(len(DataURLPrefix) + bounds.Dx()*bounds.Dy()/4)
	buf.WriteString(DataURLPrefix)

	enc := base64.NewEncoder(base64.StdEncoding, &buf)
	if err := jpeg.Encode(enc, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("flush base64: %w", err)
	}
	return buf.String(), nil
}
