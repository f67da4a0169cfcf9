package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xplshn/gbw/pkg/config"
)

const addTree = `
exports: [add, five]
decls:
  - {fun: add, params: {a: i32, b: i32}, result: i32, expr: {binary: [+, a, b]}}
  - {fun: five, result: i32, expr: {binary: [+, 2, 3]}}
`

func writeTree(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRunExport(t *testing.T) {
	out, err := execute(t, "run", writeTree(t, addTree), "add", "40", "2")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)
}

func TestRunAllWithoutExport(t *testing.T) {
	out, err := execute(t, "run", writeTree(t, addTree))
	require.NoError(t, err)
	assert.Equal(t, "five: 5\n", out, "only exports without parameters are called")
}

func TestRunArgumentErrors(t *testing.T) {
	path := writeTree(t, addTree)

	_, err := execute(t, "run", path, "add", "1")
	assert.ErrorContains(t, err, "'add' takes 2 argument(s), got 1")

	_, err = execute(t, "run", path, "missing")
	assert.ErrorContains(t, err, "no exported function 'missing'")

	_, err = execute(t, "run", path, "add", "x", "1")
	assert.ErrorContains(t, err, "argument 1 of 'add'")
}

func TestRunTrapExitCode(t *testing.T) {
	path := writeTree(t, `
exports: [div]
decls:
  - {fun: div, params: {a: i32, b: i32}, result: i32, expr: {binary: [/, a, b]}}
`)
	_, err := execute(t, "run", path, "div", "1", "0")
	require.Error(t, err)
	var ce *exitCodeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, exitTrap, ce.code)
	assert.Contains(t, err.Error(), "trap in 'div'")
}

func TestRunTracesImports(t *testing.T) {
	path := writeTree(t, `
imports:
  - {field: log, type: "fun(i32)"}
  - {module: math, field: twice, name: double, type: "fun(i32): i32"}
exports: [main]
decls:
  - fun: main
    body:
      - {call: log, args: [1]}
      - {call: log, args: [{call: double, args: [21]}]}
`)
	out, err := execute(t, "run", path, "main")
	require.NoError(t, err)
	assert.Equal(t, "env.log(1)\nmath.twice(21)\nenv.log(0)\n", out)
}

func TestBuildWritesModule(t *testing.T) {
	path := writeTree(t, addTree)
	dir := t.TempDir()
	wasmPath := filepath.Join(dir, "add.wasm")
	mapPath := filepath.Join(dir, "add.map")

	_, err := execute(t, "build", "-o", wasmPath, "--source-map", mapPath, path)
	require.NoError(t, err)

	bin, err := os.ReadFile(wasmPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(bin, wasmMagic))

	table, err := os.ReadFile(mapPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(table)), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "0x"), line)
		assert.Contains(t, line, path)
	}

	// A built binary runs without recompiling.
	out, err := execute(t, "run", wasmPath, "add", "1", "2")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)
}

func TestBuildSections(t *testing.T) {
	out, err := execute(t, "build", "--target", "mvp", "--emit", "sections", writeTree(t, addTree))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "; target mvp, "), out)
}

func TestBuildErrors(t *testing.T) {
	path := writeTree(t, addTree)

	_, err := execute(t, "build", "--emit", "text", path)
	assert.ErrorContains(t, err, "unsupported output form 'text'")

	_, err = execute(t, "build", "-Fno-such-thing", path)
	assert.ErrorContains(t, err, "unknown feature")

	_, err = execute(t, "build", filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorContains(t, err, "could not read file")

	_, err = execute(t, "build", writeTree(t, "decls: [{fun: f, body: [x]}]"))
	assert.ErrorContains(t, err, "Undefined identifier 'x'")
}

func TestLoadConfigLayers(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "gbw.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("target = \"mvp\"\nfeatures = [\"no-fold\"]\n"), 0o644))

	opts := &rootOptions{ConfigFile: cfgPath, Target: "v2", Features: []string{"fold"}, Warnings: []string{"pedantic"}}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "v2", cfg.Target, "--target overrides the file")
	assert.True(t, cfg.IsFeatureEnabled(config.FeatFold), "-F overrides the file")
	assert.True(t, cfg.IsWarningEnabled(config.WarnPedantic))
}
