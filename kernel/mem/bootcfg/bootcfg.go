// Package bootcfg parses the boot-time tunables spec.md calls out as
// "implementation constants" (PRIORITY_LEVELS, PRIORITY_RATIO,
// CPU_PERCENT_TIMESLICES) and the BIOS reserved-memory-range table, from
// a YAML manifest, following dswarbrick-smart's device-quirk-table
// loading style — a boot manifest is a more natural home for
// per-boot-target values than a recompile.
package bootcfg

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

/// Reserved names one BIOS-reported or kernel-owned range to withhold
/// from the free pool at boot (spec.md §4.1).
type Reserved struct {
	Desc  string `yaml:"desc"`
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

/// Scheduler holds the multitasker's weight-formula tunables
/// (spec.md §4.3).
type Scheduler struct {
	PriorityLevels      int `yaml:"priority_levels"`
	PriorityRatio       int `yaml:"priority_ratio"`
	CPUPercentTimeslices int `yaml:"cpu_percent_timeslices"`
}

/// Config is the whole boot manifest.
type Config struct {
	TotalMemoryBytes int        `yaml:"total_memory_bytes"`
	Reserved         []Reserved `yaml:"reserved"`
	Scheduler        Scheduler  `yaml:"scheduler"`
}

/// Default returns the manifest a target would otherwise need compiled
/// in as constants: 16 MiB of RAM, the low 1 MiB reserved, 4 priority
/// levels with ratio 3, recomputing cpu_percent every 100 ticks.
func Default() Config {
	return Config{
		TotalMemoryBytes: 16 << 20,
		Reserved: []Reserved{
			{Desc: "ivt-bda-ebda-rom", Start: 0, End: 1 << 20},
		},
		Scheduler: Scheduler{
			PriorityLevels:       4,
			PriorityRatio:        3,
			CPUPercentTimeslices: 100,
		},
	}
}

/// Parse decodes a YAML boot manifest. A nil/empty document is not an
/// error; callers get a zero Config and should layer it over Default().
func Parse(doc []byte) (Config, error) {
	var c Config
	if len(doc) == 0 {
		return c, nil
	}
	if err := yaml.Unmarshal(doc, &c); err != nil {
		return Config{}, fmt.Errorf("bootcfg: parse: %w", err)
	}
	return c, nil
}
