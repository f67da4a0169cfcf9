package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml"
)

type Feature int

const (
	FeatFold Feature = iota
	FeatSourceMap
	FeatExportMemory
	FeatSignExt
	FeatMultiValue
	FeatStartSection
	FeatCount
)

type Warning int

const (
	WarnUnreachableCode Warning = iota
	WarnDeadBranch
	WarnPedantic
	WarnExtra
	WarnCount
)

type Info struct {
	Name        string
	Enabled     bool
	Description string
}

type Config struct {
	Features   map[Feature]Info
	Warnings   map[Warning]Info
	FeatureMap map[string]Feature
	WarningMap map[string]Warning
	Target     string
	// MaxPages caps the linear memory; zero leaves it unbounded.
	MaxPages int
}

func NewConfig() *Config {
	cfg := &Config{
		Features:   make(map[Feature]Info),
		Warnings:   make(map[Warning]Info),
		FeatureMap: make(map[string]Feature),
		WarningMap: make(map[string]Warning),
		Target:     "v2",
	}

	features := map[Feature]Info{
		FeatFold:         {"fold", true, "Fold constant expressions and prune dead branches."},
		FeatSourceMap:    {"source-map", false, "Record a source location for every emitted node."},
		FeatExportMemory: {"export-memory", false, "Export the linear memory as `memory`."},
		FeatSignExt:      {"sign-ext", true, "Use the sign-extension operators to narrow sub-word integers."},
		FeatMultiValue:   {"multi-value", true, "Allow functions and blocks to produce more than one value."},
		FeatStartSection: {"start-section", true, "Run global initializers from the start section instead of exporting `_initialize`."},
	}

	warnings := map[Warning]Info{
		WarnUnreachableCode: {"unreachable-code", true, "Warn about code that will never be executed."},
		WarnDeadBranch:      {"dead-branch", true, "Warn when a branch condition is a compile-time constant."},
		WarnPedantic:        {"pedantic", false, "Issue all warnings, including noisy ones."},
		WarnExtra:           {"extra", false, "Enable extra miscellaneous warnings."},
	}

	cfg.Features, cfg.Warnings = features, warnings
	for ft, info := range features {
		cfg.FeatureMap[info.Name] = ft
	}
	for wt, info := range warnings {
		cfg.WarningMap[info.Name] = wt
	}

	return cfg
}

// SetTarget selects the WebAssembly feature level. "mvp" is the 1.0 core
// instruction set; "v2" adds sign extension and multi-value.
func (c *Config) SetTarget(target string) error {
	switch target {
	case "", "v2":
		c.Target = "v2"
		c.SetFeature(FeatSignExt, true)
		c.SetFeature(FeatMultiValue, true)
	case "mvp":
		c.Target = "mvp"
		c.SetFeature(FeatSignExt, false)
		c.SetFeature(FeatMultiValue, false)
	default:
		return fmt.Errorf("unsupported target '%s'. Supported: 'mvp', 'v2'", target)
	}
	return nil
}

func (c *Config) SetFeature(ft Feature, enabled bool) {
	if info, ok := c.Features[ft]; ok {
		info.Enabled = enabled
		c.Features[ft] = info
	}
}

func (c *Config) IsFeatureEnabled(ft Feature) bool { return c.Features[ft].Enabled }

func (c *Config) SetWarning(wt Warning, enabled bool) {
	if info, ok := c.Warnings[wt]; ok {
		info.Enabled = enabled
		c.Warnings[wt] = info
	}
}

func (c *Config) IsWarningEnabled(wt Warning) bool { return c.Warnings[wt].Enabled }

func (c *Config) applyFlag(flag string) error {
	trimmed := strings.TrimPrefix(flag, "-")
	isNo := strings.HasPrefix(trimmed, "Wno-") || strings.HasPrefix(trimmed, "Fno-")
	enable := !isNo

	var name string
	var isWarning bool

	switch {
	case strings.HasPrefix(trimmed, "W"):
		name = strings.TrimPrefix(trimmed, "W")
		if isNo {
			name = strings.TrimPrefix(name, "no-")
		}
		isWarning = true
	case strings.HasPrefix(trimmed, "F"):
		name = strings.TrimPrefix(trimmed, "F")
		if isNo {
			name = strings.TrimPrefix(name, "no-")
		}
	default:
		name = trimmed
		isWarning = true
	}

	if name == "all" && isWarning {
		for i := Warning(0); i < WarnCount; i++ {
			if i != WarnPedantic {
				c.SetWarning(i, enable)
			}
		}
		return nil
	}

	if name == "pedantic" && isWarning {
		for i := Warning(0); i < WarnCount; i++ {
			c.SetWarning(i, true)
		}
		return nil
	}

	if isWarning {
		w, ok := c.WarningMap[name]
		if !ok {
			return fmt.Errorf("unknown warning '%s'", name)
		}
		c.SetWarning(w, enable)
		return nil
	}
	f, ok := c.FeatureMap[name]
	if !ok {
		return fmt.Errorf("unknown feature '%s'", name)
	}
	c.SetFeature(f, enable)
	return nil
}

// ProcessFlags applies -W/-F style flags. Catch-all flags (Wall, Wno-all,
// pedantic) go first so that specific flags can override them.
func (c *Config) ProcessFlags(flags []string) error {
	isGlobal := func(name string) bool {
		name = strings.TrimPrefix(name, "-")
		return name == "Wall" || name == "Wno-all" || name == "pedantic" || name == "Wpedantic"
	}
	for _, pass := range []bool{true, false} {
		for _, name := range flags {
			if isGlobal(name) != pass {
				continue
			}
			if err := c.applyFlag(name); err != nil {
				return err
			}
		}
	}
	return nil
}

type tomlConfig struct {
	Target   string   `toml:"target"`
	Features []string `toml:"features,omitempty"`
	Warnings []string `toml:"warnings,omitempty"`
	MaxPages int      `toml:"max-pages,omitempty"`
}

// LoadFile reads a gbw.toml file. Feature and warning entries use the flag
// spelling without the leading letter, e.g. "no-sign-ext" or "all".
func (c *Config) LoadFile(path string) error {
	buff, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tc := &tomlConfig{}
	if err := toml.Unmarshal(buff, tc); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if tc.Target != "" {
		if err := c.SetTarget(tc.Target); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	c.MaxPages = tc.MaxPages

	flags := make([]string, 0, len(tc.Features)+len(tc.Warnings))
	for _, f := range tc.Features {
		flags = append(flags, "F"+f)
	}
	for _, w := range tc.Warnings {
		flags = append(flags, "W"+w)
	}
	if err := c.ProcessFlags(flags); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
