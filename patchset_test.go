// Copyright 2026 The Histokit Authors. SPDX-License-Identifier: Apache-2.0

package patches

import (
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePNG writes a width x height RGB test image whose pixel (x, y) has
// value base+x in the red channel and y in the green channel.
func writePNG(t *testing.T, dir, name string, width, height int, base uint8) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			offset := y*img.Stride + x*4
			img.Pix[offset] = base + uint8(x)
			img.Pix[offset+1] = uint8(y)
			img.Pix[offset+2] = 0
			img.Pix[offset+3] = 255
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func flatUint8(t *testing.T, tensor *tensors.Tensor) []uint8 {
	t.Helper()
	var flat []uint8
	tensors.ConstFlatData[uint8](tensor, func(data []uint8) {
		flat = append(flat, data...)
	})
	return flat
}

func TestNewFromPaths(t *testing.T) {
	dir := t.TempDir()
	pathA := writePNG(t, dir, "a.png", 8, 8, 0)
	pathB := writePNG(t, dir, "b.png", 8, 8, 100)

	ds, err := New([]string{pathA, pathB}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())

	patch, label, err := ds.At(0)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 8, 3}, patch.Shape().Dimensions)
	assert.Equal(t, dtypes.Uint8, patch.DType())
	assert.Equal(t, MissingLabel, label)

	// Pixel (x=2, y=1) of b.png: red=102, green=1.
	patch, _, err = ds.At(1)
	require.NoError(t, err)
	flat := flatUint8(t, patch)
	assert.Equal(t, uint8(102), flat[(1*8+2)*3])
	assert.Equal(t, uint8(1), flat[(1*8+2)*3+1])

	_, _, err = ds.At(2)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	_, _, err = ds.At(-1)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestNewFromPathsMissingFile(t *testing.T) {
	dir := t.TempDir()
	pathA := writePNG(t, dir, "a.png", 8, 8, 0)
	_, err := New([]string{pathA, filepath.Join(dir, "nope.png")}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewFromPathsShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	pathA := writePNG(t, dir, "a.png", 8, 8, 0)
	pathB := writePNG(t, dir, "b.png", 4, 8, 0)
	_, err := New([]string{pathA, pathB}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewFromTensors(t *testing.T) {
	flatA := []uint8{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	a := tensors.FromFlatDataAndDimensions(flatA, 2, 2, 3)
	b := tensors.FromFlatDataAndDimensions(make([]uint8, 2*2*3), 2, 2, 3)
	ds, err := New([]*tensors.Tensor{a, b}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())

	// Preloaded tensors are copied on access: the caller owns the returned
	// tensor and the stored one stays untouched.
	patch, _, err := ds.At(0)
	require.NoError(t, err)
	assert.NotSame(t, a, patch)
	assert.Equal(t, flatA, flatUint8(t, patch))

	// Wrong rank.
	flatOnly := tensors.FromFlatDataAndDimensions(make([]uint8, 12), 12)
	_, err = New([]*tensors.Tensor{flatOnly}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	// Shape mismatch.
	c := tensors.FromFlatDataAndDimensions(make([]uint8, 2*3*3), 2, 3, 3)
	_, err = New([]*tensors.Tensor{a, c}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewFromMixedList(t *testing.T) {
	dir := t.TempDir()
	pathA := writePNG(t, dir, "a.png", 4, 4, 0)
	tensor := tensors.FromFlatDataAndDimensions(make([]uint8, 4*4*3), 4, 4, 3)

	_, err := New([]any{pathA, tensor}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	pathB := writePNG(t, dir, "b.png", 4, 4, 0)
	ds, err := New([]any{pathA, pathB}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	_, err = New([]any{1, 2}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewFromStack(t *testing.T) {
	// Stack of 3 patches of 2x2x3, each filled with its own index.
	const numPatches, patchSize = 3, 2 * 2 * 3
	flat := make([]float32, numPatches*patchSize)
	for i := range flat {
		flat[i] = float32(i / patchSize)
	}
	stack := tensors.FromFlatDataAndDimensions(flat, numPatches, 2, 2, 3)

	ds, err := New(stack, nil)
	require.NoError(t, err)
	require.Equal(t, numPatches, ds.Len())
	for i := 0; i < numPatches; i++ {
		patch, label, err := ds.At(i)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2, 3}, patch.Shape().Dimensions)
		assert.Equal(t, MissingLabel, label)
		tensors.ConstFlatData[float32](patch, func(data []float32) {
			for _, v := range data {
				assert.Equal(t, float32(i), v)
			}
		})
	}
}

func TestNewFromStackNonNumeric(t *testing.T) {
	stack := tensors.FromFlatDataAndDimensions(make([]bool, 2*2*2*3), 2, 2, 2, 3)
	_, err := New(stack, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewFromStackWrongRank(t *testing.T) {
	single := tensors.FromFlatDataAndDimensions(make([]uint8, 2*2*3), 2, 2, 3)
	_, err := New(single, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewRejectsEmptySource(t *testing.T) {
	_, err := New([]string{}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = New([]*tensors.Tensor{}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = New([]any{}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewRejectsUnknownSource(t *testing.T) {
	_, err := New(42, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewLabelsLengthMismatch(t *testing.T) {
	a := tensors.FromFlatDataAndDimensions(make([]uint8, 2*2*3), 2, 2, 3)
	_, err := New([]*tensors.Tensor{a}, []int32{0, 1})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSetPreprocessing(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "a.png", 4, 4, 10)
	ds, err := New([]string{path}, nil)
	require.NoError(t, err)

	raw, _, err := ds.At(0)
	require.NoError(t, err)
	rawFlat := flatUint8(t, raw)

	// A transform that blanks the patch.
	blank := tensors.FromFlatDataAndDimensions(make([]uint8, 4*4*3), 4, 4, 3)
	ds.SetPreprocessing(func(*tensors.Tensor) (*tensors.Tensor, error) {
		return blank, nil
	})
	patch, _, err := ds.At(0)
	require.NoError(t, err)
	assert.Same(t, blank, patch)

	// nil resets to identity: the unmodified decoded patch comes back.
	ds.SetPreprocessing(nil)
	patch, _, err = ds.At(0)
	require.NoError(t, err)
	assert.Equal(t, rawFlat, flatUint8(t, patch))
}

func TestYieldWithLabels(t *testing.T) {
	dir := t.TempDir()
	pathA := writePNG(t, dir, "a.png", 4, 4, 0)
	pathB := writePNG(t, dir, "b.png", 4, 4, 50)
	ds, err := New([]string{pathA, pathB}, []int32{0, 1})
	require.NoError(t, err)
	ds.ReturnLabels(true)

	for epoch := 0; epoch < 2; epoch++ {
		for want := int32(0); want < 2; want++ {
			_, inputs, labels, err := ds.Yield()
			require.NoError(t, err)
			require.Len(t, inputs, 1)
			require.Len(t, labels, 1)
			tensors.ConstFlatData[int32](labels[0], func(data []int32) {
				assert.Equal(t, want, data[0])
			})
		}
		_, _, _, err := ds.Yield()
		require.ErrorIs(t, err, io.EOF)
		// Keeps returning io.EOF until Reset.
		_, _, _, err = ds.Yield()
		require.ErrorIs(t, err, io.EOF)
		ds.Reset()
	}
}

func TestYieldWithoutLabels(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "a.png", 4, 4, 0)
	ds, err := New([]string{path}, nil)
	require.NoError(t, err)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Empty(t, labels)

	// With ReturnLabels but no labels supplied, the missing sentinel is yielded.
	ds.Reset()
	ds.ReturnLabels(true)
	_, _, labels, err = ds.Yield()
	require.NoError(t, err)
	require.Len(t, labels, 1)
	tensors.ConstFlatData[int32](labels[0], func(data []int32) {
		assert.Equal(t, MissingLabel, data[0])
	})
}

// A training loop owns the tensors a dataset yields and may free them after
// each step; that must not invalidate a preloaded-tensor dataset for later
// epochs, nor the caller's own handles on the source tensors.
func TestYieldSurvivesCallerFinalization(t *testing.T) {
	flat := []uint8{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	a := tensors.FromFlatDataAndDimensions(flat, 2, 2, 3)
	ds, err := New([]*tensors.Tensor{a}, nil)
	require.NoError(t, err)

	for epoch := 0; epoch < 2; epoch++ {
		_, inputs, _, err := ds.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		assert.Equal(t, flat, flatUint8(t, inputs[0]))
		inputs[0].FinalizeAll()

		_, _, _, err = ds.Yield()
		require.ErrorIs(t, err, io.EOF)
		ds.Reset()
	}

	// The source tensor was never handed out, so it is still alive.
	assert.Equal(t, flat, flatUint8(t, a))
}
