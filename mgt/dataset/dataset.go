package dataset

import (
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	internal "github.com/ZanzyTHEbar/maskgit-trainer/mgt"

	ignore "github.com/sabhiram/go-gitignore"
)

// Sample is one labeled image on disk.
type Sample struct {
	Path    string
	ClassID int64
}

// Dataset is an image-folder dataset: every immediate subdirectory of the
// root is a class, and its files are that class's samples. Class ids are
// assigned by sorted directory name so they are stable across scans.
type Dataset struct {
	root    string
	classes []string
	samples []Sample
	index   *PathIndex
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Scan walks the dataset root and builds the sample table. An ignore file at
// the root (internal.DefaultIgnoreFile) excludes paths from the scan, same
// pattern syntax as gitignore.
func Scan(root string) (*Dataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset root %s: %w", root, err)
	}

	var ignored *ignore.GitIgnore
	ignorePath := filepath.Join(root, internal.DefaultIgnoreFile)
	if _, statErr := os.Stat(ignorePath); statErr == nil {
		ignored, err = ignore.CompileIgnoreFile(ignorePath)
		if err != nil {
			slog.Warn("Failed to compile ignore file", "path", ignorePath, "error", err)
		}
	}

	var classes []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			classes = append(classes, entry.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("dataset root %s has no class directories", root)
	}
	sort.Strings(classes)

	ds := &Dataset{
		root:    root,
		classes: classes,
		index:   NewPathIndex(),
	}

	for classID, class := range classes {
		classDir := filepath.Join(root, class)
		err := filepath.WalkDir(classDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				slog.Warn("Error walking class directory", "path", path, "error", err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !imageExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			if ignored != nil && ignored.MatchesPath(path) {
				slog.Debug("Ignoring file", "path", path)
				return nil
			}
			ds.index.Insert(path, len(ds.samples))
			ds.samples = append(ds.samples, Sample{Path: path, ClassID: int64(classID)})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk class directory %s: %w", classDir, err)
		}
	}

	if len(ds.samples) == 0 {
		return nil, fmt.Errorf("dataset root %s has no image samples", root)
	}

	slog.Info("Dataset scanned",
		"root", root,
		"classes", len(ds.classes),
		"samples", len(ds.samples))

	return ds, nil
}

// Len returns the number of samples.
func (ds *Dataset) Len() int { return len(ds.samples) }

// NumClasses returns the number of class directories found at scan time.
func (ds *Dataset) NumClasses() int { return len(ds.classes) }

// Classes returns the sorted class names; a class's position is its id.
func (ds *Dataset) Classes() []string { return ds.classes }

// Sample returns the sample at index i.
func (ds *Dataset) Sample(i int) Sample { return ds.samples[i] }

// ClassSamples returns the sample indices belonging to one class.
func (ds *Dataset) ClassSamples(class string) []int {
	return ds.index.WalkPrefix(filepath.Join(ds.root, class))
}

// Split partitions the dataset into train and eval subsets. The split is a
// seeded shuffle so it is reproducible for a fixed seed; evalFraction of the
// samples (at least one, when the fraction is nonzero) go to eval.
func (ds *Dataset) Split(evalFraction float64, seed uint64) (train, eval *Dataset, err error) {
	if evalFraction < 0 || evalFraction >= 1 {
		return nil, nil, fmt.Errorf("eval fraction must be in [0, 1), got %f", evalFraction)
	}
	if evalFraction == 0 {
		return ds, ds.subset(nil), nil
	}

	n := len(ds.samples)
	numEval := int(float64(n) * evalFraction)
	if numEval < 1 {
		numEval = 1
	}
	if numEval >= n {
		return nil, nil, fmt.Errorf("eval fraction %f leaves no training samples", evalFraction)
	}

	perm := rand.New(rand.NewPCG(seed, 0)).Perm(n)
	return ds.subset(perm[numEval:]), ds.subset(perm[:numEval]), nil
}

// subset builds a new dataset view over the given sample indices.
func (ds *Dataset) subset(indices []int) *Dataset {
	sub := &Dataset{
		root:    ds.root,
		classes: ds.classes,
		samples: make([]Sample, 0, len(indices)),
		index:   NewPathIndex(),
	}
	for _, i := range indices {
		s := ds.samples[i]
		sub.index.Insert(s.Path, len(sub.samples))
		sub.samples = append(sub.samples, s)
	}
	return sub
}
