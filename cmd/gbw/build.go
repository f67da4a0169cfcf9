package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xplshn/gbw/pkg/codegen"
	"github.com/xplshn/gbw/pkg/config"
	"github.com/xplshn/gbw/pkg/treefile"
	"github.com/xplshn/gbw/pkg/typeChecker"
	"github.com/xplshn/gbw/pkg/util"
)

type buildOptions struct {
	*rootOptions
	Output    string
	SourceMap string
	Emit      string
}

func newBuildCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &buildOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build <tree.yaml>",
		Short: "Compile a tree file to a .wasm module",
		Long: `Compile a tree file to a WebAssembly binary module.

Example:
  gbw build -o add.wasm add.yaml
  gbw build --target mvp -Fno-fold -Wall add.yaml
  gbw build --emit sections add.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "a.wasm", "place the output into <file>")
	cmd.Flags().StringVar(&opts.SourceMap, "source-map", "", "write the offset to source location table to <file>")
	cmd.Flags().StringVar(&opts.Emit, "emit", "wasm", "output form (wasm|sections)")

	return cmd
}

func runBuild(opts *buildOptions, path string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.SourceMap != "" {
		cfg.SetFeature(config.FeatSourceMap, true)
	}

	var backend codegen.Backend
	switch opts.Emit {
	case "wasm":
		backend = codegen.NewBinaryBackend()
	case "sections":
		backend = codegen.NewSectionsBackend()
	default:
		return fmt.Errorf("unsupported output form '%s'. Supported: 'wasm', 'sections'", opts.Emit)
	}

	res, err := compileFile(opts.rootOptions, cfg, path, backend)
	if err != nil {
		return err
	}

	if opts.Emit == "sections" {
		_, err := cmd.OutOrStdout().Write(res.Binary)
		return err
	}
	if err := os.WriteFile(opts.Output, res.Binary, 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	if opts.SourceMap != "" {
		if err := writeSourceMap(opts.SourceMap, res.Marks); err != nil {
			return fmt.Errorf("failed to write source map: %w", err)
		}
	}
	if opts.Verbose {
		printSuccess("Done", fmt.Sprintf("wrote %s (%d bytes)", opts.Output, len(res.Binary)))
	}
	return nil
}

// loadConfig layers the settings: defaults, then the config file, then
// --target, then the -W and -F flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	if o.ConfigFile != "" {
		if err := cfg.LoadFile(o.ConfigFile); err != nil {
			return nil, err
		}
	}
	if o.Target != "" {
		if err := cfg.SetTarget(o.Target); err != nil {
			return nil, err
		}
	}
	flags := make([]string, 0, len(o.Warnings)+len(o.Features))
	for _, w := range o.Warnings {
		flags = append(flags, "W"+w)
	}
	for _, f := range o.Features {
		flags = append(flags, "F"+f)
	}
	if err := cfg.ProcessFlags(flags); err != nil {
		return nil, err
	}
	return cfg, nil
}

// compileFile runs the whole pipeline on one tree file.
func compileFile(opts *rootOptions, cfg *config.Config, path string, backend codegen.Backend) (*codegen.Result, error) {
	p := beginPhase(opts.Verbose, "Reading")
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read file '%s': %w", path, err)
	}
	util.SetSourceFiles([]util.SourceFileRecord{{Name: path, Content: []rune(string(src))}})
	p.end()

	p = beginPhase(opts.Verbose, "Decoding")
	root, err := treefile.Parse(src, 0)
	if err != nil {
		return nil, err
	}
	p.end()

	p = beginPhase(opts.Verbose, "Checking")
	if err := typeChecker.NewTypeChecker(cfg).Check(root); err != nil {
		return nil, err
	}
	p.end()

	p = beginPhase(opts.Verbose, "Generating")
	res, err := codegen.NewContext(cfg).Generate(root, backend)
	if err != nil {
		return nil, err
	}
	p.end()
	return res, nil
}

// writeSourceMap writes one `offset file:line:col` line per mark.
func writeSourceMap(path string, marks []codegen.SourceMark) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, m := range marks {
		fmt.Fprintf(w, "0x%06x %s\n", m.Offset, util.Location(m.Tok))
	}
	return w.Flush()
}
