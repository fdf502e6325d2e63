// Package device selects the compute device for a training run.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Kind is the device class.
type Kind string

const (
	CPU Kind = "cpu"
	GPU Kind = "gpu"
)

// Device describes the selected device.
type Device struct {
	Kind        Kind
	Count       int // accelerators in use; 0 for CPU
	Description string
}

func (d Device) String() string {
	if d.Kind == GPU {
		return fmt.Sprintf("gpu x%d (%s)", d.Count, d.Description)
	}
	return fmt.Sprintf("cpu (%s)", d.Description)
}

// Probe reports how many accelerators are visible.
type Probe func() int

// Select picks the device for ngpu requested accelerators.
// ngpu == 0 selects the CPU without calling probe.
func Select(ngpu int, probe Probe) Device {
	if ngpu <= 0 || probe == nil {
		return cpuDevice()
	}
	available := probe()
	if available <= 0 {
		return cpuDevice()
	}
	n := min(ngpu, available)
	return Device{Kind: GPU, Count: n, Description: fmt.Sprintf("%d of %d visible", n, available)}
}

// WorldSize returns the number of ranks to launch for ngpu requested devices.
func WorldSize(ngpu int) int {
	if ngpu > 1 {
		return ngpu
	}
	return 1
}

func cpuDevice() Device {
	desc := cpuid.CPU.BrandName
	if desc == "" {
		desc = "unknown cpu"
	}
	var simd []string
	for _, f := range []cpuid.FeatureID{cpuid.AVX512F, cpuid.AVX2, cpuid.FMA3, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			simd = append(simd, strings.ToLower(f.String()))
		}
	}
	if len(simd) > 0 {
		desc += ", " + strings.Join(simd, "+")
	}
	desc += fmt.Sprintf(", %d logical cores", cpuid.CPU.LogicalCores)
	return Device{Kind: CPU, Description: desc}
}

// NvidiaProbe counts /dev/nvidiaN device nodes, honouring CUDA_VISIBLE_DEVICES
// when it is set.
func NvidiaProbe() int {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok {
		v = strings.TrimSpace(v)
		if v == "" || v == "-1" {
			return 0
		}
		return len(strings.Split(v, ","))
	}
	matches, err := filepath.Glob("/dev/nvidia[0-9]*")
	if err != nil {
		return 0
	}
	return len(matches)
}
