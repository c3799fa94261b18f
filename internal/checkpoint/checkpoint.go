// Package checkpoint persists model parameter snapshots.
//
// A checkpoint file is a zlib stream wrapping a gob-encoded Snapshot. Each
// parameter is stored in gonum's binary matrix encoding under its name.
package checkpoint

import (
	"compress/zlib"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"sknet-train/internal/model"
)

// Snapshot is the persisted state of a model at one epoch.
type Snapshot struct {
	RunID   string
	Epoch   int
	ValLoss float64
	Params  []Tensor
}

// Tensor is one named, binary encoded parameter.
type Tensor struct {
	Name string
	Data []byte
}

// FromModel captures the current parameters of m.
func FromModel(m model.Model, runID string, epoch int, valLoss float64) (*Snapshot, error) {
	snap := &Snapshot{RunID: runID, Epoch: epoch, ValLoss: valLoss}
	for _, p := range m.Params() {
		data, err := p.Value.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", p.Name, err)
		}
		snap.Params = append(snap.Params, Tensor{Name: p.Name, Data: data})
	}
	return snap, nil
}

// Save writes snap to path, replacing any previous file atomically.
func Save(path string, snap *Snapshot) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw := zlib.NewWriter(tmp)
	if err := gob.NewEncoder(zw).Encode(snap); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}
	defer zr.Close()

	snap := &Snapshot{}
	if err := gob.NewDecoder(zr).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return snap, nil
}

// Restore copies snapshot parameters into m. Every parameter of m must be
// present with a matching shape.
func Restore(m model.Model, snap *Snapshot) error {
	byName := make(map[string][]byte, len(snap.Params))
	for _, t := range snap.Params {
		byName[t.Name] = t.Data
	}
	for _, p := range m.Params() {
		data, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("restore: checkpoint has no parameter %s", p.Name)
		}
		var v mat.Dense
		if err := v.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("restore %s: %w", p.Name, err)
		}
		wr, wc := p.Value.Dims()
		gr, gc := v.Dims()
		if wr != gr || wc != gc {
			return fmt.Errorf("restore %s: shape %dx%d, want %dx%d", p.Name, gr, gc, wr, wc)
		}
		p.Value.Copy(&v)
	}
	return nil
}
