// Copyright 2026 The Histokit Authors. SPDX-License-Identifier: Apache-2.0

// Package kather provides the "Kather 100k" colorectal-cancer histology
// benchmark (Kather et al., 2016) as a patches.Dataset.
//
// The collection is 5000 tissue patches of 150x150 pixels, organized on disk
// as one subdirectory of .tif files per tissue category. The subdirectory
// names define the label taxonomy; their order defines the label indices.
// The archive is downloaded and extracted into the cache directory on first
// use, and reused as-is afterwards.
package kather

import (
	"path"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/histokit/patches"
	"github.com/histokit/patches/downloader"
)

const (
	// DownloadURL is the zenodo record holding the benchmark archive.
	DownloadURL = "https://zenodo.org/record/53169/files/Kather_texture_2016_image_tiles_5000.zip"

	// LocalZipFile is the name the archive is downloaded as.
	LocalZipFile = "Kather_texture_2016_image_tiles_5000.zip"

	// ExtractedDir is the directory the archive extracts to.
	ExtractedDir = "Kather_texture_2016_image_tiles_5000"

	// patchGlob matches the benchmark's patch files under each category
	// subdirectory.
	patchGlob = "*.tif"
)

// LabelCodes are the eight tissue category subdirectory names, in label
// order: the label of a patch is the index of its category code here.
var LabelCodes = []string{
	"01_TUMOR",
	"02_STROMA",
	"03_COMPLEX",
	"04_LYMPHO",
	"05_DEBRIS",
	"06_MUCOSA",
	"07_ADIPOSE",
	"08_EMPTY",
}

// New creates a Dataset over the extracted benchmark tree.
//
// If saveDirPath is empty the tree is looked up under
// patches.DataHome()/kather, downloading and extracting the archive if it is
// not there yet; a failed download or extraction aborts construction.
// A non-empty saveDirPath must point to an existing extracted tree, otherwise
// construction fails with patches.ErrInvalidInput.
//
// Every category must contribute at least one patch; a missing or empty
// category subdirectory fails construction rather than silently shrinking
// the dataset.
func New(saveDirPath string) (*patches.Dataset, error) {
	root := saveDirPath
	if root == "" {
		baseDir := path.Join(patches.DataHome(), "kather")
		root = path.Join(baseDir, ExtractedDir)
		err := downloader.DownloadAndUnzipIfMissing(DownloadURL, path.Join(baseDir, LocalZipFile), baseDir, root)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to fetch the Kather benchmark into %q", baseDir)
		}
	} else if !downloader.FileExists(root) {
		return nil, errors.WithMessagef(patches.ErrInvalidInput, "dataset does not exist at %q", root)
	}

	var allPaths []string
	var allLabels []int32
	for labelIdx, code := range LabelCodes {
		matched, err := filepath.Glob(filepath.Join(root, code, patchGlob))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan category %q under %q", code, root)
		}
		if len(matched) == 0 {
			return nil, errors.WithMessagef(patches.ErrInvalidInput,
				"category %q has no %s patches under %q -- is the directory the extracted benchmark archive?",
				code, patchGlob, root)
		}
		sort.Strings(matched)
		klog.V(1).Infof("kather: category %s contributes %d patches", code, len(matched))
		allPaths = append(allPaths, matched...)
		for range matched {
			allLabels = append(allLabels, int32(labelIdx))
		}
	}
	return patches.FromLabeledPaths("kather100k", allPaths, allLabels, LabelCodes), nil
}
