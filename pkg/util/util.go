package util

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xplshn/gbw/pkg/config"
	"github.com/xplshn/gbw/pkg/token"
	"golang.org/x/term"
)

// SourceFileRecord tracks the name and content of a single source file.
type SourceFileRecord struct {
	Name    string
	Content []rune
}

var sourceFiles []SourceFileRecord

// Output receives warnings. Tests swap it for a buffer.
var Output io.Writer = os.Stderr

// SetSourceFiles stores the source code for all input files for rich error messages
func SetSourceFiles(files []SourceFileRecord) {
	sourceFiles = files
}

// CompileError is a fatal codegen failure. Codegen never continues past one.
type CompileError struct {
	Tok token.Token
	Msg string
}

func (e *CompileError) Error() string {
	return Location(e.Tok) + ": " + e.Msg
}

// IsInternal reports whether the error is an internal-consistency failure
// rather than a fault of the program being compiled.
func (e *CompileError) IsInternal() bool { return strings.HasPrefix(e.Msg, "internal:") }

// Error aborts compilation with a located message. The panic is turned back
// into an error by Recover at the package boundary.
func Error(tok token.Token, format string, args ...interface{}) {
	panic(&CompileError{Tok: tok, Msg: fmt.Sprintf(format, args...)})
}

// Recover converts a pending CompileError panic into *err. Other panics propagate.
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if ce, ok := r.(*CompileError); ok {
		*err = ce
		return
	}
	panic(r)
}

// AsCompileError unwraps err to a *CompileError when there is one.
func AsCompileError(err error) (*CompileError, bool) {
	var ce *CompileError
	ok := errors.As(err, &ce)
	return ce, ok
}

func AlignUp(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

func colorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func paint(w io.Writer, code, s string) string {
	if !colorize(w) {
		return s
	}
	return code + s + "\033[0m"
}

// findFileAndLine converts a global token to a file-specific location
func findFileAndLine(tok token.Token) (filename string, line, col int) {
	if tok.FileIndex < 0 || tok.FileIndex >= len(sourceFiles) {
		return "<input>", tok.Line, tok.Column
	}
	return sourceFiles[tok.FileIndex].Name, tok.Line, tok.Column
}

// Location formats tok as file:line:col.
func Location(tok token.Token) string {
	filename, line, col := findFileAndLine(tok)
	return fmt.Sprintf("%s:%d:%d", filename, line, col)
}

// printErrorLine prints the source line and a caret indicating the error position
func printErrorLine(w io.Writer, tok token.Token) {
	if tok.FileIndex < 0 || tok.FileIndex >= len(sourceFiles) || tok.Line == 0 {
		return
	}

	content := sourceFiles[tok.FileIndex].Content
	lineNum := tok.Line
	lineStart := 0
	for i, r := range content {
		if lineNum <= 1 {
			break
		}
		if r == '\n' {
			lineNum--
			lineStart = i + 1
		}
	}

	lineEnd := len(content)
	for i := lineStart; i < len(content); i++ {
		if content[i] == '\n' {
			lineEnd = i
			break
		}
	}

	fmt.Fprintf(w, "  %s\n", string(content[lineStart:lineEnd]))
	caret := "^"
	if tok.Len > 1 {
		caret += strings.Repeat("~", tok.Len-1)
	}
	col := tok.Column - 1
	if col < 0 {
		col = 0
	}
	fmt.Fprintf(w, "  %s%s\n", strings.Repeat(" ", col), paint(w, "\033[32m", caret))
}

// Report prints err in the `file:line:col: error:` form, followed by the
// offending source line when it is known.
func Report(w io.Writer, err error) {
	ce, ok := AsCompileError(err)
	if !ok {
		fmt.Fprintf(w, "gbw: %s %v\n", paint(w, "\033[31m", "error:"), err)
		return
	}
	filename, line, col := findFileAndLine(ce.Tok)
	fmt.Fprintf(w, "%s:%d:%d: %s %s\n", filename, line, col, paint(w, "\033[31m", "error:"), ce.Msg)
	printErrorLine(w, ce.Tok)
}

// Warn prints a formatted warning message if the corresponding warning is enabled
func Warn(cfg *config.Config, wt config.Warning, tok token.Token, format string, args ...interface{}) {
	if !cfg.IsWarningEnabled(wt) {
		return
	}
	filename, line, col := findFileAndLine(tok)
	fmt.Fprintf(Output, "%s:%d:%d: %s ", filename, line, col, paint(Output, "\033[33m", "warning:"))
	fmt.Fprintf(Output, format, args...)
	fmt.Fprintf(Output, " [-W%s]\n", cfg.Warnings[wt].Name)
	printErrorLine(Output, tok)
}
