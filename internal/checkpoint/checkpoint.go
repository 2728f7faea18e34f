package checkpoint

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"drrn-forge/internal/model"
)

// FormatVersion is bumped whenever the on-disk layout changes.
const FormatVersion = 1

// ErrNotFound is returned by Load when the path does not name a regular file.
var ErrNotFound = errors.New("checkpoint: not found")

var fileRegexp = regexp.MustCompile(`^model_epoch_([0-9]+)\.pth$`)

// Checkpoint is the persisted state of a completed epoch.
type Checkpoint struct {
	Version   int
	Epoch     int
	RunID     string
	Seed      int64
	CreatedAt time.Time
	Arch      model.Config
	State     model.StateDict
}

// Build reconstructs a network from the stored architecture and weights.
func (c *Checkpoint) Build() (*model.SRNet, error) {
	m, err := model.NewSRNet(c.Arch, 0)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: rebuild model: %w", err)
	}
	if err := model.LoadState(m, c.State); err != nil {
		return nil, err
	}
	return m, nil
}

// Manager writes one checkpoint file per epoch under Dir. Seed is the data
// seed recorded in each file so a resumed run can replay the same shuffles.
type Manager struct {
	Dir      string
	KeepLast int
	RunID    string
	Seed     int64
}

// NewManager returns a manager writing to dir. keepLast > 0 retains only the
// newest keepLast files after each save; zero keeps every file.
func NewManager(dir string, keepLast int, runID string) *Manager {
	return &Manager{Dir: dir, KeepLast: keepLast, RunID: runID}
}

// Path returns the file name used for epoch.
func (m *Manager) Path(epoch int) string {
	return filepath.Join(m.Dir, fmt.Sprintf("model_epoch_%d.pth", epoch))
}

// Save writes the checkpoint for epoch and returns its path. The file is
// written under a temporary name and renamed into place.
func (m *Manager) Save(epoch int, mdl model.Model) (string, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create dir: %w", err)
	}
	ckpt := Checkpoint{
		Version:   FormatVersion,
		Epoch:     epoch,
		RunID:     m.RunID,
		Seed:      m.Seed,
		CreatedAt: time.Now().UTC(),
		Arch:      mdl.Architecture(),
		State:     model.State(mdl),
	}
	path := m.Path(epoch)
	if err := writeFile(path, &ckpt); err != nil {
		return "", err
	}
	if m.KeepLast > 0 {
		if err := m.prune(); err != nil {
			return path, err
		}
	}
	return path, nil
}

func writeFile(path string, ckpt *Checkpoint) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	w := bufio.NewWriter(tmp)
	if err := gob.NewEncoder(w).Encode(ckpt); err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("checkpoint: chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// Load reads the checkpoint at path.
func Load(path string) (*Checkpoint, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: stat: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	defer f.Close()

	var ckpt Checkpoint
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	if ckpt.Version != FormatVersion {
		return nil, fmt.Errorf("checkpoint: %s has format version %d, want %d", path, ckpt.Version, FormatVersion)
	}
	return &ckpt, nil
}

// List returns the epochs that have a checkpoint file under Dir, ascending.
func (m *Manager) List() ([]int, error) {
	entries, err := os.ReadDir(m.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	var epochs []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := fileRegexp.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		epoch, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Ints(epochs)
	return epochs, nil
}

func (m *Manager) prune() error {
	epochs, err := m.List()
	if err != nil {
		return err
	}
	for len(epochs) > m.KeepLast {
		if err := os.Remove(m.Path(epochs[0])); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("checkpoint: prune: %w", err)
		}
		epochs = epochs[1:]
	}
	return nil
}
