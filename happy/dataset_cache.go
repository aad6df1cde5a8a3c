package happy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

const (
	cacheFormatVersion = 1
	cacheManifestFile  = "manifest.yaml"
	cacheTrainFile     = "train.bin"
	cacheEvalFile      = "eval.bin"
)

// CacheManifest describes a directory of preprocessed datasets.
type CacheManifest struct {
	Version     int       `yaml:"version"`
	Task        string    `yaml:"task"`
	Fingerprint string    `yaml:"fingerprint"`
	TrainCount  int       `yaml:"train_sequences"`
	EvalCount   int       `yaml:"eval_sequences"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// fingerprint hashes a source file together with the preprocessing
// parameters that shaped its datasets.
func fingerprint(path string, params ...any) (string, error) {
	h := xxhash.New()

	f, err := os.Open(path) //nolint:gosec // caller-provided data path
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to fingerprint %s: %w", path, err)
	}

	for _, p := range params {
		_, _ = fmt.Fprintf(h, "\x00%v", p)
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// cacheFingerprint joins the fingerprint of the source file, task and max
// length with a hash of the split parameters, separated by a dot. Eval
// reuses a train cache by comparing only the part before the dot.
func cacheFingerprint(path, task string, maxLength int, split ...any) (string, error) {
	src, err := fingerprint(path, task, maxLength)
	if err != nil || len(split) == 0 {
		return src, err
	}
	h := xxhash.New()
	for _, p := range split {
		_, _ = fmt.Fprintf(h, "\x00%v", p)
	}
	return src + "." + strconv.FormatUint(h.Sum64(), 16), nil
}

// SaveDatasetCache writes train and eval datasets plus a manifest to dir.
func SaveDatasetCache(dir, task, fingerprint string, train, eval Dataset) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	if err := writeSequences(filepath.Join(dir, cacheTrainFile), train.Sequences); err != nil {
		return err
	}
	if err := writeSequences(filepath.Join(dir, cacheEvalFile), eval.Sequences); err != nil {
		return err
	}

	manifest := CacheManifest{
		Version:     cacheFormatVersion,
		Task:        task,
		Fingerprint: fingerprint,
		TrainCount:  train.Len(),
		EvalCount:   eval.Len(),
		CreatedAt:   time.Now().UTC(),
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode cache manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, cacheManifestFile), data, 0o644); err != nil { //nolint:gosec // cache is not secret
		return fmt.Errorf("failed to write cache manifest: %w", err)
	}
	return nil
}

// LoadDatasetCache reads datasets written by SaveDatasetCache.
func LoadDatasetCache(dir string) (CacheManifest, Dataset, Dataset, error) {
	var manifest CacheManifest

	data, err := os.ReadFile(filepath.Join(dir, cacheManifestFile)) //nolint:gosec // caller-provided cache path
	if err != nil {
		return manifest, Dataset{}, Dataset{}, fmt.Errorf("failed to read cache manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, Dataset{}, Dataset{}, fmt.Errorf("failed to parse cache manifest: %w", err)
	}
	if manifest.Version != cacheFormatVersion {
		return manifest, Dataset{}, Dataset{}, fmt.Errorf("unsupported cache version %d", manifest.Version)
	}

	train, err := readSequences(filepath.Join(dir, cacheTrainFile))
	if err != nil {
		return manifest, Dataset{}, Dataset{}, err
	}
	eval, err := readSequences(filepath.Join(dir, cacheEvalFile))
	if err != nil {
		return manifest, Dataset{}, Dataset{}, err
	}
	if len(train) != manifest.TrainCount || len(eval) != manifest.EvalCount {
		return manifest, Dataset{}, Dataset{}, fmt.Errorf("cache %s is inconsistent with its manifest", dir)
	}

	return manifest, Dataset{Sequences: train}, Dataset{Sequences: eval}, nil
}

// writeSequences stores a uint32 count, then each sequence as a uint32
// length followed by int32 token IDs, all little-endian.
func writeSequences(path string, seqs [][]int) error {
	f, err := os.Create(path) //nolint:gosec // caller-provided cache path
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)

	write := func(v any) error {
		return binary.Write(w, binary.LittleEndian, v)
	}

	err = write(uint32(len(seqs)))
	for _, s := range seqs {
		if err != nil {
			break
		}
		ids := make([]int32, len(s))
		for i, id := range s {
			ids[i] = int32(id)
		}
		if err = write(uint32(len(ids))); err == nil {
			err = write(ids)
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// readSequences checks every count against the bytes left in the file
// before allocating, so a corrupt header cannot force a huge allocation.
func readSequences(path string) ([][]int, error) {
	f, err := os.Open(path) //nolint:gosec // caller-provided cache path
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	r := bufio.NewReader(f)
	remaining := info.Size()

	readCount := func() (uint32, error) {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", path, err)
		}
		remaining -= 4
		return n, nil
	}

	count, err := readCount()
	if err != nil {
		return nil, err
	}
	if int64(count)*4 > remaining {
		return nil, fmt.Errorf("%s is corrupt: %d sequences in %d bytes", path, count, remaining)
	}

	seqs := make([][]int, 0, count)
	for i := uint32(0); i < count; i++ {
		n, err := readCount()
		if err != nil {
			return nil, err
		}
		if int64(n)*4 > remaining {
			return nil, fmt.Errorf("%s is corrupt: sequence %d has %d tokens in %d bytes", path, i, n, remaining)
		}
		ids := make([]int32, n)
		if err := binary.Read(r, binary.LittleEndian, ids); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		remaining -= int64(n) * 4
		seq := make([]int, n)
		for j, id := range ids {
			seq[j] = int(id)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}
