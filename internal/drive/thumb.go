package drive

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// thumbSizes is the bounding box per size, as Graph renders them.
var thumbSizes = map[string]int{
	SizeSmall:  96,
	SizeMedium: 176,
	SizeLarge:  800,
}

// makeThumb scales the image at absPath to fit max x max and encodes JPEG.
// Images already smaller than the box keep their size.
func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}
	nw, nh := fit(w, h, max)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func fit(w, h, max int) (int, int) {
	if max <= 0 {
		max = thumbSizes[SizeMedium]
	}
	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else if h > max {
		nh = max
		nw = int(float64(w) * (float64(max) / float64(h)))
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
