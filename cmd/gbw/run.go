package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/xplshn/gbw/pkg/codegen"
	"github.com/xplshn/gbw/pkg/config"
)

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <tree.yaml|module.wasm> [export [args...]]",
		Short: "Compile and execute a module with wazero",
		Long: `Instantiate a module and call one of its exported functions.

The input is either a tree file, compiled on the fly, or an already built
.wasm module. Arguments are parsed according to the export's parameter
types. Without an export name every exported function taking no
parameters is called, in name order.

Imported functions are provided by a host that prints each call and
returns zeros.

Example:
  gbw run add.yaml add 40 2
  gbw run a.wasm`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModule(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runModule(opts *rootOptions, args []string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	bin, err := loadBinary(opts, cfg, args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	out := cmd.OutOrStdout()
	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		return fmt.Errorf("invalid module: %w", err)
	}
	if n := len(compiled.ImportedFunctions()); n > 0 && opts.Verbose {
		printWarning("Host", fmt.Sprintf("%d imported function(s) are traced and return zero", n))
	}
	if err := instantiateHost(ctx, r, compiled, out); err != nil {
		return err
	}

	p := beginPhase(opts.Verbose, "Starting")
	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return &exitCodeError{code: exitTrap, err: fmt.Errorf("instantiation failed: %s", firstLine(err))}
	}
	p.end()

	if len(args) > 1 {
		results, err := callExport(ctx, mod, args[1], args[2:])
		if err != nil {
			return err
		}
		if len(results) > 0 {
			fmt.Fprintln(out, strings.Join(results, " "))
		}
		return nil
	}
	return callAll(ctx, mod, out)
}

// loadBinary returns the module bytes of path, compiling it first unless it
// already is a .wasm binary.
func loadBinary(opts *rootOptions, cfg *config.Config, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read file '%s': %w", path, err)
	}
	if bytes.HasPrefix(data, wasmMagic) {
		return data, nil
	}
	res, err := compileFile(opts, cfg, path, codegen.NewBinaryBackend())
	if err != nil {
		return nil, err
	}
	return res.Binary, nil
}

// instantiateHost provides every function the module imports. Each call
// is printed to out as module.name(args) and returns zeros.
func instantiateHost(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule, out io.Writer) error {
	builders := make(map[string]wazero.HostModuleBuilder)
	var order []string
	for _, def := range compiled.ImportedFunctions() {
		modName, name, _ := def.Import()
		b, ok := builders[modName]
		if !ok {
			b = r.NewHostModuleBuilder(modName)
			builders[modName] = b
			order = append(order, modName)
		}
		params, results := def.ParamTypes(), def.ResultTypes()
		label := modName + "." + name
		fn := func(ctx context.Context, m api.Module, stack []uint64) {
			args := make([]string, len(params))
			for i, vt := range params {
				args[i] = formatValue(vt, stack[i])
			}
			fmt.Fprintf(out, "%s(%s)\n", label, strings.Join(args, ", "))
			for i := range results {
				stack[i] = 0
			}
		}
		b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(fn), params, results).Export(name)
	}
	for _, modName := range order {
		if _, err := builders[modName].Instantiate(ctx); err != nil {
			return fmt.Errorf("failed to provide imports of '%s': %w", modName, err)
		}
	}
	return nil
}

func callExport(ctx context.Context, mod api.Module, name string, args []string) ([]string, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("module has no exported function '%s'", name)
	}
	def := fn.Definition()
	params := def.ParamTypes()
	if len(args) != len(params) {
		return nil, fmt.Errorf("'%s' takes %d argument(s), got %d", name, len(params), len(args))
	}
	stack := make([]uint64, len(params))
	for i, vt := range params {
		v, err := parseValue(vt, args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d of '%s': %w", i+1, name, err)
		}
		stack[i] = v
	}

	raw, err := fn.Call(ctx, stack...)
	if err != nil {
		return nil, &exitCodeError{code: exitTrap, err: fmt.Errorf("trap in '%s': %s", name, firstLine(err))}
	}
	results := make([]string, len(raw))
	for i, vt := range def.ResultTypes() {
		results[i] = formatValue(vt, raw[i])
	}
	return results, nil
}

// callAll calls every exported function without parameters and prints one
// `name: results` line each. A trap is reported in place and the rest still
// run.
func callAll(ctx context.Context, mod api.Module, out io.Writer) error {
	defs := mod.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for name, def := range defs {
		if len(def.ParamTypes()) == 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var trapped error
	for _, name := range names {
		results, err := callExport(ctx, mod, name, nil)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", name, err)
			trapped = err
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", name, strings.Join(results, " "))
	}
	return trapped
}

func parseValue(vt api.ValueType, s string) (uint64, error) {
	switch vt {
	case api.ValueTypeI32:
		n, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			// Unsigned spellings such as 0xffffffff are accepted too.
			u, uerr := strconv.ParseUint(s, 0, 32)
			if uerr != nil {
				return 0, err
			}
			n = int64(int32(uint32(u)))
		}
		return api.EncodeI32(int32(n)), nil
	case api.ValueTypeI64:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(s, 0, 64)
			if uerr != nil {
				return 0, err
			}
			return u, nil
		}
		return api.EncodeI64(n), nil
	case api.ValueTypeF32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeF32(float32(f)), nil
	case api.ValueTypeF64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeF64(f), nil
	}
	return 0, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(vt))
}

func formatValue(vt api.ValueType, v uint64) string {
	switch vt {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(api.DecodeI32(v)), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	}
	return fmt.Sprintf("%#x", v)
}

// firstLine drops the wasm stack trace wazero appends to traps.
func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
