// Package device resolves the compute device a run executes on.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"sknet-train/internal/model"
)

// ErrUnsupported is returned for accelerator names without a backend.
var ErrUnsupported = errors.New("device: unsupported accelerator")

// Kind identifies a device family.
type Kind string

const CPU Kind = "cpu"

// Device is the execution target batches are moved to.
type Device struct {
	Kind Kind
}

// Parse maps a device name to a Device. Empty and "auto" select the CPU.
func Parse(name string) (Device, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case n == "", n == "auto", n == "cpu":
		return Device{Kind: CPU}, nil
	case strings.HasPrefix(n, "cuda"), n == "gpu", n == "mps":
		return Device{}, fmt.Errorf("%w: %s", ErrUnsupported, name)
	default:
		return Device{}, fmt.Errorf("device: unknown device %q", name)
	}
}

func (d Device) String() string { return string(d.Kind) }

// Describe summarizes the host processor.
func (d Device) Describe() string {
	features := make([]string, 0, 3)
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
	} {
		if cpuid.CPU.Supports(f.id) {
			features = append(features, f.name)
		}
	}
	simd := "none"
	if len(features) > 0 {
		simd = strings.Join(features, ",")
	}
	return fmt.Sprintf("device=%s cpu=%q physical_cores=%d logical_cores=%d simd=%s",
		d.Kind, cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, simd)
}

// Load moves b onto the device. Host memory is the CPU backend's native
// storage, so the batch is only checked for consistency.
func (d Device) Load(b model.Batch) (model.Batch, error) {
	if d.Kind != CPU {
		return model.Batch{}, fmt.Errorf("%w: %s", ErrUnsupported, d.Kind)
	}
	if b.Inputs == nil {
		return model.Batch{}, errors.New("device: batch has no inputs")
	}
	if rows := b.Size(); rows != len(b.Labels) {
		return model.Batch{}, fmt.Errorf("device: batch has %d rows and %d labels", rows, len(b.Labels))
	}
	return b, nil
}
