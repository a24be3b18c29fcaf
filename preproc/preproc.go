// Copyright 2026 The Histokit Authors. SPDX-License-Identifier: Apache-2.0

// Package preproc composes per-patch preprocessing pipelines and maps known
// dataset names to the predefined pipeline their pretrained models expect.
//
// A pipeline runs its Steps while the patch is in image form and ends by
// converting it to a float32 tensor scaled to [0, 1]. The conversion follows
// the channels-first convention common to pretrained-model toolkits, so the
// composed Transform permutes the result back to the (height, width,
// channels) layout the datasets store.
package preproc

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/histokit/patches"
)

// ErrUnknownDataset is returned by Get for names with no predefined
// preprocessing profile.
var ErrUnknownDataset = errors.New("no predefined preprocessing for dataset")

// Step transforms a patch while it is still in image form. Steps run in the
// order they are composed.
type Step func(img image.Image) image.Image

// Resize scales the patch so its smallest dimension becomes size pixels,
// preserving the aspect ratio.
func Resize(size int) Step {
	return func(img image.Image) image.Image {
		width := img.Bounds().Dx()
		height := img.Bounds().Dy()
		switch {
		case width < height:
			height = height * size / width
			width = size
		case height < width:
			width = width * size / height
			height = size
		default:
			width, height = size, size
		}
		return imaging.Resize(img, width, height, imaging.Linear)
	}
}

// CenterCrop cuts a size x size region from the middle of the patch.
func CenterCrop(size int) Step {
	return func(img image.Image) image.Image {
		return imaging.CropCenter(img, size, size)
	}
}

// profiles is the closed registry of predefined preprocessing pipelines,
// keyed by dataset name. The Kather 100k patches are fed to the classifier
// at their native size, so the profile is the bare tensor conversion.
var profiles = map[string][]Step{
	"kather100k": nil,
}

// Get returns the preprocessing Transform predefined for the named dataset,
// or ErrUnknownDataset if the name is not registered.
func Get(name string) (patches.Transform, error) {
	steps, found := profiles[name]
	if !found {
		return nil, errors.WithMessagef(ErrUnknownDataset, "%q", name)
	}
	return Compose(steps...), nil
}

// Compose builds a Transform that converts the raw patch tensor to an image,
// runs the given steps in order, converts the result to a float32 tensor
// scaled to [0, 1] and restores the (height, width, channels) axis order.
func Compose(steps ...Step) patches.Transform {
	return func(patch *tensors.Tensor) (*tensors.Tensor, error) {
		if patch == nil || patch.Rank() != 3 {
			return nil, errors.Errorf("preprocessing requires a rank-3 (height, width, channels) patch, got %s", shapeOf(patch))
		}
		if channels := patch.Shape().Dimensions[2]; channels != 3 && channels != 4 {
			return nil, errors.Errorf("preprocessing requires a 3- or 4-channel patch, got %d channels", channels)
		}
		if patch.DType().IsComplex() {
			return nil, errors.Errorf("preprocessing does not support complex patches, got dtype %s", patch.DType())
		}
		img := timages.ToImage().Single(patch)
		for _, step := range steps {
			img = step(img)
		}
		return hwcFromCHW(toTensor(img)), nil
	}
}

func shapeOf(t *tensors.Tensor) string {
	if t == nil {
		return "<nil>"
	}
	return t.Shape().String()
}

// toTensor converts an image to a float32 tensor shaped
// [channels=3, height, width] with values scaled to [0, 1].
func toTensor(img image.Image) *tensors.Tensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	t := tensors.FromShape(shapes.Make(dtypes.Float32, 3, height, width))
	tensors.MutableFlatData[float32](t, func(flat []float32) {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				// color.Color.RGBA returns 16-bit channel values.
				for c, v := range [3]uint32{r, g, b} {
					flat[c*height*width+y*width+x] = float32(v) / float32(0xFFFF)
				}
			}
		}
	})
	return t
}

// hwcFromCHW permutes a float32 [channels, height, width] tensor to
// [height, width, channels].
func hwcFromCHW(chw *tensors.Tensor) *tensors.Tensor {
	dims := chw.Shape().Dimensions
	channels, height, width := dims[0], dims[1], dims[2]
	hwc := tensors.FromShape(shapes.Make(dtypes.Float32, height, width, channels))
	tensors.MutableFlatData[float32](hwc, func(out []float32) {
		tensors.ConstFlatData[float32](chw, func(in []float32) {
			for c := 0; c < channels; c++ {
				for y := 0; y < height; y++ {
					for x := 0; x < width; x++ {
						out[(y*width+x)*channels+c] = in[c*height*width+y*width+x]
					}
				}
			}
		})
	})
	return hwc
}
