package clip

import (
	"image"

	"golang.org/x/image/draw"
)

// ImageSize is the square input resolution of the vision tower.
const ImageSize = 224

// Per-channel normalization constants from the CLIP image processor.
var (
	imageMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	imageStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// Preprocess turns img into a [1, 3, ImageSize, ImageSize] CHW float tensor: the
// shortest side is resized to ImageSize with bicubic sampling, the center is
// cropped, pixels are scaled to [0, 1] and normalized per channel.
func Preprocess(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return make([]float32, 3*ImageSize*ImageSize)
	}

	rw, rh := ImageSize, ImageSize
	if w < h {
		rh = max(ImageSize, (h*ImageSize+w/2)/w)
	} else {
		rw = max(ImageSize, (w*ImageSize+h/2)/h)
	}

	resized := image.NewRGBA(image.Rect(0, 0, rw, rh))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, b, draw.Src, nil)

	left := (rw - ImageSize) / 2
	top := (rh - ImageSize) / 2

	const plane = ImageSize * ImageSize
	out := make([]float32, 3*plane)
	for y := 0; y < ImageSize; y++ {
		row := resized.Pix[(top+y)*resized.Stride:]
		for x := 0; x < ImageSize; x++ {
			px := row[(left+x)*4:]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255
				out[c*plane+y*ImageSize+x] = (v - imageMean[c]) / imageStd[c]
			}
		}
	}
	return out
}
