package happy

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Devices.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// DeviceInfo describes the device chosen at startup.
type DeviceInfo struct {
	Name     string
	CPUBrand string
	Cores    int
	AVX2     bool
	AVX512   bool
}

var (
	deviceOnce sync.Once
	device     DeviceInfo
)

// SelectDevice resolves the requested device once per process. Later calls
// return the first result regardless of the argument.
func SelectDevice(requested string, logger *slog.Logger) DeviceInfo {
	deviceOnce.Do(func() {
		device = detectDevice(requested, os.Getenv("CUDA_VISIBLE_DEVICES"))
		if logger == nil {
			logger = slog.Default()
		}
		logger.Info("device selected",
			"device", device.Name,
			"cpu", device.CPUBrand,
			"cores", device.Cores,
			"avx2", device.AVX2,
			"avx512", device.AVX512,
		)
	})
	return device
}

func detectDevice(requested, cudaVisible string) DeviceInfo {
	info := DeviceInfo{
		Name:     DeviceCPU,
		CPUBrand: cpuid.CPU.BrandName,
		Cores:    cpuid.CPU.PhysicalCores,
		AVX2:     cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:   cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
	if info.Cores <= 0 {
		info.Cores = 1
	}

	switch requested {
	case DeviceCUDA:
		info.Name = DeviceCUDA
	case DeviceAuto, "":
		v := strings.TrimSpace(cudaVisible)
		if v != "" && v != "-1" {
			info.Name = DeviceCUDA
		}
	}
	return info
}
