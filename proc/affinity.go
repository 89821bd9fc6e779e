package proc

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ParseCoreSpec parses a taskset-style core specification such as
// "0", "0-3", "0,1,2" or "0-2,4,6-8" into a CPU set.
func ParseCoreSpec(spec string) (unix.CPUSet, error) {
	var set unix.CPUSet

	for _, part := range strings.Split(spec, ",") {
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)

			start, err := strconv.Atoi(bounds[0])
			if err != nil {
				return set, fmt.Errorf("invalid core number %q: %w", bounds[0], err)
			}

			end, err := strconv.Atoi(bounds[1])
			if err != nil {
				return set, fmt.Errorf("invalid core number %q: %w", bounds[1], err)
			}

			if start > end {
				return set, fmt.Errorf("invalid core range %q", part)
			}

			for core := start; core <= end; core++ {
				set.Set(core)
			}

			continue
		}

		core, err := strconv.Atoi(part)
		if err != nil {
			return set, fmt.Errorf("invalid core number %q: %w", part, err)
		}

		set.Set(core)
	}

	return set, nil
}

// ValidCoreSpec reports whether spec parses as a core specification.
func ValidCoreSpec(spec string) bool {
	_, err := ParseCoreSpec(spec)
	return err == nil
}

// PinPID restricts the process with the given pid to the cores in spec.
func PinPID(pid int, spec string) error {
	set, err := ParseCoreSpec(spec)
	if err != nil {
		return fmt.Errorf("parse core spec %q: %w", spec, err)
	}

	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return fmt.Errorf("set affinity of pid %d to %q: %w", pid, spec, err)
	}

	return nil
}

// PinSelf restricts the calling process to the cores in spec. Used to keep
// the harness itself off the cores reserved for the measured process.
func PinSelf(spec string) error {
	return PinPID(0, spec)
}
