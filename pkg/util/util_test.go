package util

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xplshn/gbw/pkg/config"
	"github.com/xplshn/gbw/pkg/token"
)

func withSource(t *testing.T, name, src string) {
	t.Helper()
	SetSourceFiles([]SourceFileRecord{{Name: name, Content: []rune(src)}})
	t.Cleanup(func() { SetSourceFiles(nil) })
}

func TestRecover(t *testing.T) {
	tok := token.Token{Line: 3, Column: 7}
	fail := func() (err error) {
		defer Recover(&err)
		Error(tok, "bad %s", "thing")
		return nil
	}
	err := fail()
	require.Error(t, err)
	ce, ok := AsCompileError(err)
	require.True(t, ok)
	assert.Equal(t, tok, ce.Tok)
	assert.Equal(t, "bad thing", ce.Msg)
	assert.False(t, ce.IsInternal())
	assert.Equal(t, "<input>:3:7: bad thing", err.Error())
}

func TestRecoverRepanicsForeignValues(t *testing.T) {
	assert.PanicsWithValue(t, "boom", func() {
		var err error
		defer Recover(&err)
		panic("boom")
	})
}

func TestAsCompileErrorWrapped(t *testing.T) {
	inner := &CompileError{Msg: "internal: broken"}
	ce, ok := AsCompileError(errors.Join(errors.New("context"), inner))
	require.True(t, ok)
	assert.True(t, ce.IsInternal())

	_, ok = AsCompileError(errors.New("plain"))
	assert.False(t, ok)
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, int64(0), AlignUp(0, 8))
	assert.Equal(t, int64(8), AlignUp(1, 8))
	assert.Equal(t, int64(16), AlignUp(16, 8))
	assert.Equal(t, int64(5), AlignUp(5, 1))
}

func TestReport(t *testing.T) {
	withSource(t, "main.yaml", "first: line\nsecond: line\n")
	var buf bytes.Buffer
	Report(&buf, &CompileError{Tok: token.Token{Line: 2, Column: 9, Len: 4}, Msg: "Unknown thing"})
	assert.Equal(t, "main.yaml:2:9: error: Unknown thing\n  second: line\n          ^~~~\n", buf.String())

	buf.Reset()
	Report(&buf, errors.New("open x: no such file"))
	assert.Equal(t, "gbw: error: open x: no such file\n", buf.String())
}

func TestWarn(t *testing.T) {
	withSource(t, "w.yaml", "value: 1\n")
	var buf bytes.Buffer
	old := Output
	Output = &buf
	t.Cleanup(func() { Output = old })

	cfg := config.NewConfig()
	tok := token.Token{Line: 1, Column: 8, Len: 1}
	Warn(cfg, config.WarnDeadBranch, tok, "condition is always %s", "true")
	assert.Equal(t, "w.yaml:1:8: warning: condition is always true [-Wdead-branch]\n  value: 1\n         ^\n", buf.String())

	buf.Reset()
	cfg.SetWarning(config.WarnDeadBranch, false)
	Warn(cfg, config.WarnDeadBranch, tok, "ignored")
	assert.Empty(t, buf.String())
}
