package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/xplshn/gbw/pkg/util"
)

var (
	successColorFG = pterm.FgLightGreen
	successStyleBG = pterm.NewStyle(pterm.BgLightGreen, pterm.FgBlack)
	warnColorFG    = pterm.FgYellow
	warnStyleBG    = pterm.NewStyle(pterm.BgYellow, pterm.FgBlack)
	infoColorFG    = pterm.FgLightCyan
	infoStyleBG    = pterm.NewStyle(pterm.BgLightCyan, pterm.FgBlack)
)

const maxPhaseLength = len("Generating")

// phase times one step of the pipeline. It prints nothing unless verbose.
type phase struct {
	name    string
	start   time.Time
	verbose bool
}

func beginPhase(verbose bool, name string) *phase {
	return &phase{name: name, start: time.Now(), verbose: verbose}
}

func (p *phase) end() {
	if !p.verbose {
		return
	}
	infoStyleBG.Print(fmt.Sprintf("%-*s", maxPhaseLength, p.name))
	infoColorFG.Println(fmt.Sprintf(" (%.3fs)", time.Since(p.start).Seconds()))
}

func printSuccess(tag, msg string) {
	successStyleBG.Print(tag)
	successColorFG.Println(" " + msg)
}

func printWarning(tag, msg string) {
	warnStyleBG.Print(tag)
	warnColorFG.Println(" " + msg)
}

// printError reports err on stderr. Compile errors carry their source
// location and line.
func printError(err error) {
	util.Report(os.Stderr, err)
}
