// Copyright 2026 The Histokit Authors. SPDX-License-Identifier: Apache-2.0

package patches

import (
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/histokit/patches/imageio"
)

// New creates a Dataset from a user-supplied patch collection. The source
// must be one of:
//
//   - []string: paths to patch files, every one of which must exist and
//     resolve to a rank-3 (height, width, channels) patch, all with the same
//     shape. Paths are checked eagerly, decoding stays lazy.
//   - []*tensors.Tensor: preloaded rank-3 patches, all with the same shape.
//   - []any: a mix-checked form of the two above; every element must be a
//     string or every element must be a *tensors.Tensor.
//   - *tensors.Tensor: a single rank-4 (batch, height, width, channels)
//     stack of a numeric dtype. Per-sample shape uniformity is structural,
//     so only dtype and rank are checked.
//
// labels, when non-nil, must match the source length; when nil, every sample
// is paired with MissingLabel. Empty lists are rejected: a dataset with
// nothing to deliver is a caller mistake, not a valid edge case. Any
// validation failure returns ErrInvalidInput and no dataset is produced.
func New(source any, labels []int32) (*Dataset, error) {
	ds := &Dataset{name: "patches", transform: Identity}
	var err error
	switch src := source.(type) {
	case []string:
		err = ds.initFromPaths(src)
	case []*tensors.Tensor:
		err = ds.initFromTensors(src)
	case []any:
		err = ds.initFromMixed(src)
	case *tensors.Tensor:
		err = ds.initFromStack(src)
	default:
		err = errors.WithMessagef(ErrInvalidInput,
			"patch source must be a list of image paths, a list of patch tensors or a rank-4 stack, got %T", source)
	}
	if err != nil {
		return nil, err
	}

	n := ds.Len()
	if labels == nil {
		labels = make([]int32, n)
		for i := range labels {
			labels[i] = MissingLabel
		}
	} else if len(labels) != n {
		return nil, errors.WithMessagef(ErrInvalidInput, "got %d labels for %d patches", len(labels), n)
	}
	ds.labels = labels
	return ds, nil
}

func (ds *Dataset) initFromPaths(paths []string) error {
	if len(paths) == 0 {
		return errors.WithMessage(ErrInvalidInput, "patch collection is empty")
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return errors.WithMessagef(ErrInvalidInput, "patch path %q is not a valid image path: %v", p, err)
		}
	}
	shapeList := make([][]int, len(paths))
	for i, p := range paths {
		dims, err := imageio.Shape(p)
		if err != nil {
			return errors.WithMessagef(ErrInvalidInput, "failed to read shape of patch %q: %v", p, err)
		}
		shapeList[i] = dims
	}
	if err := checkUniformHWC(shapeList); err != nil {
		return err
	}
	ds.kind = sourcePaths
	ds.paths = paths
	return nil
}

func (ds *Dataset) initFromTensors(patches []*tensors.Tensor) error {
	if len(patches) == 0 {
		return errors.WithMessage(ErrInvalidInput, "patch collection is empty")
	}
	shapeList := make([][]int, len(patches))
	for i, t := range patches {
		shapeList[i] = t.Shape().Dimensions
	}
	if err := checkUniformHWC(shapeList); err != nil {
		return err
	}
	ds.kind = sourceTensors
	ds.patches = patches
	return nil
}

// initFromMixed handles an untyped list, which must be homogeneous: either
// every element is a path or every element is a patch tensor.
func (ds *Dataset) initFromMixed(source []any) error {
	allPaths, allTensors := true, true
	for _, v := range source {
		switch v.(type) {
		case string:
			allTensors = false
		case *tensors.Tensor:
			allPaths = false
		default:
			allPaths, allTensors = false, false
		}
	}
	switch {
	case allPaths:
		paths := make([]string, len(source))
		for i, v := range source {
			paths[i] = v.(string)
		}
		return ds.initFromPaths(paths)
	case allTensors:
		patches := make([]*tensors.Tensor, len(source))
		for i, v := range source {
			patches[i] = v.(*tensors.Tensor)
		}
		return ds.initFromTensors(patches)
	default:
		return errors.WithMessage(ErrInvalidInput,
			"patch list must contain either only image paths or only patch tensors")
	}
}

func (ds *Dataset) initFromStack(stack *tensors.Tensor) error {
	dtype := stack.DType()
	if !dtype.IsFloat() && !dtype.IsInt() && !dtype.IsComplex() {
		return errors.WithMessagef(ErrInvalidInput, "patch stack has non-numeric dtype %s", dtype)
	}
	if stack.Rank() != 4 {
		return errors.WithMessagef(ErrInvalidInput,
			"patch stack must be rank-4 (batch, height, width, channels), got rank %d; "+
				"a list of patches can be passed as []*tensors.Tensor instead", stack.Rank())
	}
	ds.kind = sourceStack
	ds.stack = stack
	return nil
}

// checkUniformHWC requires every shape to be rank-3 and all shapes identical.
func checkUniformHWC(shapeList [][]int) error {
	for i, dims := range shapeList {
		if len(dims) != 3 {
			return errors.WithMessagef(ErrInvalidInput,
				"each patch must be of the form (height, width, channels), patch #%d has rank %d", i, len(dims))
		}
		if !slices.Equal(dims, shapeList[0]) {
			return errors.WithMessagef(ErrInvalidInput,
				"patches must all have the same dimensions: patch #%d is %v, patch #0 is %v", i, dims, shapeList[0])
		}
	}
	return nil
}

// FromLabeledPaths creates a path-mode Dataset from an already curated
// (path, label) pairing, such as the layout scan of a downloaded benchmark.
// Unlike New it performs no existence or shape validation; callers own the
// consistency of the collection. classes may carry the label taxonomy.
func FromLabeledPaths(name string, paths []string, labels []int32, classes []string) *Dataset {
	return &Dataset{
		name:      name,
		kind:      sourcePaths,
		paths:     paths,
		labels:    labels,
		classes:   classes,
		transform: Identity,
	}
}
