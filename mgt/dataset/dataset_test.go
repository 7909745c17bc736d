package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestImage writes a solid-color PNG of the given size.
func writeTestImage(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// buildTestDataset lays out an image-folder tree with the given samples per class.
func buildTestDataset(t *testing.T, classes map[string]int) string {
	t.Helper()
	root := t.TempDir()
	for class, n := range classes {
		for i := 0; i < n; i++ {
			path := filepath.Join(root, class, "img_"+string(rune('a'+i))+".png")
			writeTestImage(t, path, 48, 48, color.RGBA{R: uint8(i * 20), G: 100, B: 200, A: 255})
		}
	}
	return root
}

func TestDataset(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"ScanAssignsSortedClassIDs", testDatasetScanAssignsSortedClassIDs},
		{"ScanHonorsIgnoreFile", testDatasetScanHonorsIgnoreFile},
		{"ScanRejectsEmptyRoot", testDatasetScanRejectsEmptyRoot},
		{"ClassSamples", testDatasetClassSamples},
		{"SplitDeterministic", testDatasetSplitDeterministic},
		{"SplitBounds", testDatasetSplitBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testDatasetScanAssignsSortedClassIDs(t *testing.T) {
	root := buildTestDataset(t, map[string]int{"zebra": 2, "ant": 3, "mole": 1})

	ds, err := Scan(root)
	require.NoError(t, err)

	assert.Equal(t, []string{"ant", "mole", "zebra"}, ds.Classes())
	assert.Equal(t, 6, ds.Len())
	assert.Equal(t, 3, ds.NumClasses())

	for i := 0; i < ds.Len(); i++ {
		s := ds.Sample(i)
		class := filepath.Base(filepath.Dir(s.Path))
		switch class {
		case "ant":
			assert.Equal(t, int64(0), s.ClassID)
		case "mole":
			assert.Equal(t, int64(1), s.ClassID)
		case "zebra":
			assert.Equal(t, int64(2), s.ClassID)
		}
	}
}

func testDatasetScanHonorsIgnoreFile(t *testing.T) {
	root := buildTestDataset(t, map[string]int{"cat": 3})
	require.NoError(t, os.WriteFile(filepath.Join(root, ".mgtignore"), []byte("img_a.png\n"), 0o644))

	ds, err := Scan(root)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
}

func testDatasetScanRejectsEmptyRoot(t *testing.T) {
	_, err := Scan(t.TempDir())
	assert.Error(t, err)

	// Class directories but no images
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	_, err = Scan(root)
	assert.Error(t, err)
}

func testDatasetClassSamples(t *testing.T) {
	root := buildTestDataset(t, map[string]int{"cat": 3, "dog": 2})

	ds, err := Scan(root)
	require.NoError(t, err)

	assert.Len(t, ds.ClassSamples("cat"), 3)
	assert.Len(t, ds.ClassSamples("dog"), 2)
	assert.Empty(t, ds.ClassSamples("bird"))
}

func testDatasetSplitDeterministic(t *testing.T) {
	root := buildTestDataset(t, map[string]int{"cat": 10, "dog": 10})

	ds, err := Scan(root)
	require.NoError(t, err)

	trainA, evalA, err := ds.Split(0.1, 7)
	require.NoError(t, err)
	trainB, evalB, err := ds.Split(0.1, 7)
	require.NoError(t, err)

	assert.Equal(t, 18, trainA.Len())
	assert.Equal(t, 2, evalA.Len())
	for i := 0; i < evalA.Len(); i++ {
		assert.Equal(t, evalA.Sample(i), evalB.Sample(i))
	}
	for i := 0; i < trainA.Len(); i++ {
		assert.Equal(t, trainA.Sample(i), trainB.Sample(i))
	}

	// Different seeds shuffle differently
	_, evalC, err := ds.Split(0.1, 8)
	require.NoError(t, err)
	same := true
	for i := 0; i < evalA.Len(); i++ {
		if evalA.Sample(i) != evalC.Sample(i) {
			same = false
		}
	}
	assert.False(t, same, "different seeds should draw a different eval subset")
}

func testDatasetSplitBounds(t *testing.T) {
	root := buildTestDataset(t, map[string]int{"cat": 4})

	ds, err := Scan(root)
	require.NoError(t, err)

	// Zero fraction: everything trains, eval is empty
	train, eval, err := ds.Split(0, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, train.Len())
	assert.Equal(t, 0, eval.Len())

	// Small nonzero fraction still yields at least one eval sample
	train, eval, err = ds.Split(0.01, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, train.Len())
	assert.Equal(t, 1, eval.Len())

	_, _, err = ds.Split(-0.1, 1)
	assert.Error(t, err)
}

func TestPathIndex(t *testing.T) {
	idx := NewPathIndex()
	idx.Insert("/data/cat/a.png", 0)
	idx.Insert("/data/cat/b.png", 1)
	idx.Insert("/data/dog/c.png", 2)

	assert.Equal(t, 3, idx.Len())

	i, ok := idx.Lookup("/data/cat/b.png")
	require.True(t, ok)
	assert.Equal(t, 1, i)

	_, ok = idx.Lookup("/data/cat/missing.png")
	assert.False(t, ok)

	assert.ElementsMatch(t, []int{0, 1}, idx.WalkPrefix("/data/cat"))
	assert.ElementsMatch(t, []int{0, 1, 2}, idx.WalkPrefix("/data"))
}
