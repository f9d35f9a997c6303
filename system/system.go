package system

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	// Version is set at build time through ldflags.
	Version = "develop"

	// FrameworkVersion is the version of the Pressify core this daemon
	// is built to manage modules for. Reported to the marketplace as
	// part of the update-check inventory.
	FrameworkVersion = "2.4.0"
)

const Logo = `
    ____
   / __/___  _________ ____
  / /_/ __ \/ ___/ __ '/ _ \
 / __/ /_/ / /  / /_/ /  __/
/_/  \____/_/   \__, /\___/
               /____/  v%s
Copyright © 2024 - 2026 Pressify
`

type Information struct {
	Version          string `json:"version"`
	FrameworkVersion string `json:"framework_version"`
	System           System `json:"system"`
}

type System struct {
	Architecture  string `json:"architecture"`
	CPUThreads    int    `json:"cpu_threads"`
	MemoryBytes   uint64 `json:"memory_bytes"`
	KernelVersion string `json:"kernel_version"`
	OS            string `json:"os"`
}

type Utilization struct {
	MemoryTotal uint64  `json:"memory_total"`
	MemoryUsed  uint64  `json:"memory_used"`
	LoadAvg1    float64 `json:"load_average1"`
	LoadAvg5    float64 `json:"load_average5"`
	LoadAvg15   float64 `json:"load_average15"`
}

func GetSystemInformation() (*Information, error) {
	kernelVersion, err := host.KernelVersion()
	if err != nil {
		return nil, err
	}

	var memoryTotal uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		memoryTotal = vm.Total
	}

	return &Information{
		Version:          Version,
		FrameworkVersion: FrameworkVersion,
		System: System{
			Architecture:  runtime.GOARCH,
			CPUThreads:    runtime.NumCPU(),
			MemoryBytes:   memoryTotal,
			KernelVersion: kernelVersion,
			OS:            runtime.GOOS,
		},
	}, nil
}

func GetSystemUtilization() (*Utilization, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	u := &Utilization{
		MemoryTotal: vm.Total,
		MemoryUsed:  vm.Used,
	}

	if avg, err := load.Avg(); err == nil {
		u.LoadAvg1 = avg.Load1
		u.LoadAvg5 = avg.Load5
		u.LoadAvg15 = avg.Load15
	}

	return u, nil
}
