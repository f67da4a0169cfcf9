package codegen

import (
	"bytes"
	"fmt"

	"github.com/xplshn/gbw/pkg/config"
	"github.com/xplshn/gbw/pkg/wasm"
)

// Backend turns a finished module into its output form.
type Backend interface {
	// Generate takes a fully built module and a configuration, and produces
	// the output bytes.
	Generate(mod *wasm.Module, cfg *config.Config) (*bytes.Buffer, error)
}

type binaryBackend struct{}

// NewBinaryBackend returns the backend producing a .wasm binary.
func NewBinaryBackend() Backend { return binaryBackend{} }

func (binaryBackend) Generate(mod *wasm.Module, cfg *config.Config) (*bytes.Buffer, error) {
	bin, err := mod.Encode()
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(bin), nil
}

type sectionsBackend struct{}

// NewSectionsBackend returns a backend listing the sections of the encoded
// module, one per line.
func NewSectionsBackend() Backend { return sectionsBackend{} }

var sectionNames = map[byte]string{
	wasm.SecType: "type", wasm.SecImport: "import", wasm.SecFunction: "function",
	wasm.SecMemory: "memory", wasm.SecGlobal: "global", wasm.SecExport: "export",
	wasm.SecStart: "start", wasm.SecCode: "code", wasm.SecData: "data",
}

func (sectionsBackend) Generate(mod *wasm.Module, cfg *config.Config) (*bytes.Buffer, error) {
	bin, err := mod.Encode()
	if err != nil {
		return nil, err
	}
	sections, err := wasm.ReadSections(bin)
	if err != nil {
		return nil, fmt.Errorf("re-reading encoded module: %w", err)
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "; target %s, %d bytes\n", cfg.Target, len(bin))
	for _, s := range sections {
		fmt.Fprintf(&out, "%-8s offset=%-6d size=%d\n", sectionNames[s.ID], s.Offset, s.Size)
	}
	return &out, nil
}
