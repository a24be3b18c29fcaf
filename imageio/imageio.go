// Copyright 2026 The Histokit Authors. SPDX-License-Identifier: Apache-2.0

// Package imageio loads image patches from disk into tensors.
//
// Dispatch is strictly on file extension: ".npy" files are read as raw numpy
// arrays with their stored shape and dtype, the recognized image formats
// (".jpg", ".jpeg", ".tif", ".tiff", ".png") are decoded to uint8 tensors
// shaped [height, width, 3] (RGB, alpha dropped). There is no content
// sniffing and no fallback between formats.
package imageio

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	_ "golang.org/x/image/tiff"
)

// ErrUnsupportedFormat is returned when a patch file has an extension other
// than ".npy", ".jpg", ".jpeg", ".tif", ".tiff" or ".png".
var ErrUnsupportedFormat = errors.New("unsupported patch file format")

// Load reads the patch stored at path and returns it as a tensor.
//
// ".npy" arrays are returned as-is, whatever their shape and dtype. Image
// formats are decoded and converted to a uint8 tensor shaped
// [height, width, 3] with values in [0, 255].
func Load(path string) (*tensors.Tensor, error) {
	switch filepath.Ext(path) {
	case ".npy":
		return numpy.FromNpyFile(path)
	case ".jpg", ".jpeg", ".tif", ".tiff", ".png":
		return decode(path)
	default:
		return nil, errors.WithMessagef(ErrUnsupportedFormat, "cannot load data of %q", filepath.Ext(path))
	}
}

// Shape returns the dimensions Load would produce for the patch at path,
// without decoding the pixel data for image formats (only the file header is
// read). ".npy" arrays are fully read to recover their stored shape.
func Shape(path string) ([]int, error) {
	switch filepath.Ext(path) {
	case ".npy":
		t, err := numpy.FromNpyFile(path)
		if err != nil {
			return nil, err
		}
		dims := slices.Clone(t.Shape().Dimensions)
		t.FinalizeAll()
		return dims, nil
	case ".jpg", ".jpeg", ".tif", ".tiff", ".png":
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open patch %q", path)
		}
		defer func() { _ = f.Close() }()
		cfg, _, err := image.DecodeConfig(f)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read image header of %q", path)
		}
		// Load always converts to RGB, so the channel count is fixed at 3.
		return []int{cfg.Height, cfg.Width, 3}, nil
	default:
		return nil, errors.WithMessagef(ErrUnsupportedFormat, "cannot load data of %q", filepath.Ext(path))
	}
}

func decode(path string) (*tensors.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open patch %q", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode patch %q", path)
	}
	t := timages.ToTensor(dtypes.Uint8).Single(img)
	if t == nil {
		return nil, errors.Errorf("failed to convert patch %q to a tensor", path)
	}
	return t, nil
}
