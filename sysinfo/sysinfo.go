// Package sysinfo records the host environment alongside benchmark
// results, so numbers can be interpreted later.
package sysinfo

import (
	"fmt"
	"io"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Dump writes a plain-text description of the host to w. Individual probe
// failures degrade the dump instead of failing it; a machine without swap
// info still gets its CPU recorded.
func Dump(w io.Writer) error {
	if info, err := host.Info(); err == nil {
		writeField(w, "Hostname:", info.Hostname)
		writeField(w, "OS:", fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion))
		writeField(w, "Kernel:", info.KernelVersion)
		writeField(w, "Architecture:", info.KernelArch)
		writeField(w, "Uptime (seconds):", fmt.Sprintf("%d", info.Uptime))
	} else {
		writeField(w, "Host:", "<unknown>")
	}

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		c := cpus[0]
		writeField(w, "CPU:", fmt.Sprintf("%s (%d) @ %.2f GHz",
			c.ModelName, len(cpus), c.Mhz/1000.0))
	} else {
		writeField(w, "CPU:", "<unknown>")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		writeField(w, "Total memory:", fmt.Sprintf("%d bytes", vm.Total))
		writeField(w, "Used memory:", fmt.Sprintf("%d bytes", vm.Used))
	}

	if swap, err := mem.SwapMemory(); err == nil {
		writeField(w, "Total swap:", fmt.Sprintf("%d bytes", swap.Total))
		writeField(w, "Used swap:", fmt.Sprintf("%d bytes", swap.Used))
	}

	return nil
}

// DumpFile writes the host description to path.
func DumpFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	return Dump(f)
}

func writeField(w io.Writer, name, value string) {
	fmt.Fprintf(w, "%-25s%s\n", name, value)
}
