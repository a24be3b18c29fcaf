// Copyright 2026 The Histokit Authors. SPDX-License-Identifier: Apache-2.0

package patches

import (
	"io"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"

	"github.com/histokit/patches/imageio"
)

// MissingLabel is the label paired with every sample of a dataset constructed
// without a label collection.
const MissingLabel int32 = -1

// sourceKind tags how the samples of a Dataset are stored.
type sourceKind int

const (
	// sourcePaths: samples are file paths, decoded on access.
	sourcePaths sourceKind = iota
	// sourceTensors: samples are preloaded rank-3 tensors.
	sourceTensors
	// sourceStack: samples are slices of a single rank-4 tensor.
	sourceStack
)

// Dataset is an indexable collection of image patches with positionally
// matching labels. It is created by New, FromLabeledPaths or kather.New and
// is read-only afterwards, except for SetPreprocessing.
//
// Decoding and preprocessing happen lazily, one sample per At call, so memory
// use is bounded by a single decoded patch regardless of the dataset size.
//
// Dataset implements train.Dataset, yielding one example per Yield call;
// wrap it with the loaders in github.com/gomlx/gomlx/pkg/ml/datasets for
// batching or parallel decoding.
type Dataset struct {
	name string
	kind sourceKind

	paths   []string
	patches []*tensors.Tensor
	stack   *tensors.Tensor

	labels  []int32
	classes []string

	transform    Transform
	returnLabels bool

	// mu guards the Yield cursor; -1 flags the end of the epoch.
	mu   sync.Mutex
	next int
}

var _ train.Dataset = &Dataset{}

// Len returns the number of samples in the dataset.
func (ds *Dataset) Len() int {
	switch ds.kind {
	case sourcePaths:
		return len(ds.paths)
	case sourceTensors:
		return len(ds.patches)
	default:
		return ds.stack.Shape().Dimensions[0]
	}
}

// Classes returns the ordered category names defining the label indices, or
// nil for datasets without a fixed taxonomy.
func (ds *Dataset) Classes() []string { return ds.classes }

// SetPreprocessing replaces the preprocessing transform applied to each
// sample on access. A nil fn resets it to Identity.
func (ds *Dataset) SetPreprocessing(fn Transform) {
	if fn == nil {
		fn = Identity
	}
	ds.transform = fn
}

// ReturnLabels configures whether Yield emits labels along with each sample.
// It returns ds to allow chaining after construction.
func (ds *Dataset) ReturnLabels(enable bool) *Dataset {
	ds.returnLabels = enable
	return ds
}

// At resolves the idx-th sample: decodes it if the dataset references files,
// applies the preprocessing transform and returns it along with its label.
// The label is MissingLabel if no label collection was supplied.
//
// The returned tensor is owned by the caller: for preloaded-tensor datasets
// it is a copy of the stored patch, so callers (like a training loop that
// finalizes yielded tensors after each step) can free it without invalidating
// the dataset for later epochs.
func (ds *Dataset) At(idx int) (*tensors.Tensor, int32, error) {
	n := ds.Len()
	if idx < 0 || idx >= n {
		return nil, 0, errors.WithMessagef(ErrIndexOutOfRange, "index %d in dataset of %d patches", idx, n)
	}
	var patch *tensors.Tensor
	var err error
	switch ds.kind {
	case sourcePaths:
		patch, err = imageio.Load(ds.paths[idx])
		if err != nil {
			return nil, 0, errors.WithMessagef(err, "failed to load patch #%d", idx)
		}
	case sourceTensors:
		patch = ds.patches[idx].LocalClone()
	case sourceStack:
		patch, err = ds.stackSlice(idx)
		if err != nil {
			return nil, 0, err
		}
	}
	patch, err = ds.transform(patch)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "failed to preprocess patch #%d", idx)
	}
	return patch, ds.labels[idx], nil
}

// stackSlice copies the idx-th rank-3 slice out of the rank-4 stack. The copy
// is dtype-agnostic: samples are contiguous in the stack's flat data.
func (ds *Dataset) stackSlice(idx int) (*tensors.Tensor, error) {
	dims := ds.stack.Shape().Dimensions
	sub := tensors.FromShape(shapes.Make(ds.stack.DType(), dims[1], dims[2], dims[3]))
	sampleBytes := sub.Shape().Size() * ds.stack.DType().Size()
	ds.stack.ConstBytes(func(data []byte) {
		sub.MutableBytes(func(out []byte) {
			copy(out, data[idx*sampleBytes:(idx+1)*sampleBytes])
		})
	})
	return sub, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// nextIndex returns the next cursor position and advances it, or -1 once the
// epoch is exhausted. Concurrency safe.
func (ds *Dataset) nextIndex() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next < 0 || ds.next >= ds.Len() {
		ds.next = -1
		return -1
	}
	idx := ds.next
	ds.next++
	return idx
}

// Yield implements train.Dataset. It returns one example per call:
//
//   - inputs: a single tensor with the preprocessed patch.
//   - labels: a single scalar int32 tensor with the patch's label, or empty
//     if the dataset was not configured with ReturnLabels(true).
//
// Once the dataset is exhausted it returns io.EOF; call Reset to run another
// epoch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	idx := ds.nextIndex()
	if idx < 0 {
		err = io.EOF
		return
	}
	patch, label, err := ds.At(idx)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "failed to yield patch #%d", idx)
	}
	inputs = []*tensors.Tensor{patch}
	if ds.returnLabels {
		labels = []*tensors.Tensor{tensors.FromScalar(label)}
	}
	return
}

// Reset implements train.Dataset, restarting the dataset from the beginning.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	ds.next = 0
	ds.mu.Unlock()
}
