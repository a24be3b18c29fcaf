// Copyright 2026 The Histokit Authors. SPDX-License-Identifier: Apache-2.0

// Package patches wraps collections of histopathology image patches -- either
// in-memory tensors or files on disk -- into datasets that can be indexed one
// sample at a time and fed to a model training or inference loop.
//
// A Dataset validates its source collection at construction time, decodes
// patches lazily on access and applies a configurable preprocessing Transform
// to each sample. Batching and shuffling are left to the consuming loader,
// e.g. the wrappers in github.com/gomlx/gomlx/pkg/ml/datasets.
package patches

import (
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/histokit/patches/downloader"
)

var (
	// ErrInvalidInput is returned when a dataset is constructed from a
	// malformed or inconsistent source collection: mixed path/tensor lists,
	// nonexistent paths, shape mismatches, wrong rank or non-numeric dtypes.
	ErrInvalidInput = errors.New("invalid patch collection")

	// ErrIndexOutOfRange is returned by Dataset.At for indices outside
	// [0, Len()).
	ErrIndexOutOfRange = errors.New("patch index out of range")
)

// Transform is a preprocessing function applied to one decoded patch before
// it is delivered. It must be stateless across calls; it is the caller's
// responsibility that it is safe for concurrent invocation if the dataset is
// shared across goroutines.
type Transform func(patch *tensors.Tensor) (*tensors.Tensor, error)

// Identity returns the patch unchanged. It is the Transform used when none
// was configured.
func Identity(patch *tensors.Tensor) (*tensors.Tensor, error) {
	return patch, nil
}

// DataHomeEnv is the environment variable overriding the directory under
// which downloaded datasets are cached.
const DataHomeEnv = "HISTOKIT_DATA"

// DataHome returns the process-wide root directory for dataset caches:
// $HISTOKIT_DATA if set, otherwise ~/.histokit.
func DataHome() string {
	if dir := os.Getenv(DataHomeEnv); dir != "" {
		return downloader.ReplaceTildeInDir(dir)
	}
	return downloader.ReplaceTildeInDir(path.Join("~", ".histokit"))
}
