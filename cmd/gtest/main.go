// gtest compiles every tree file of a test suite with gbw, runs the
// resulting modules and compares what they print with golden .json files.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/go-cmp/cmp"
)

type Execution struct {
	Stdout         string        `json:"stdout"`
	Stderr         string        `json:"stderr"`
	ExitCode       int           `json:"exitCode"`
	Duration       time.Duration `json:"duration"`
	TimedOut       bool          `json:"timed_out"`
	UnstableOutput bool          `json:"unstable_output,omitempty"`
}

type TestRun struct {
	Name   string    `json:"name"`
	Args   []string  `json:"args,omitempty"`
	Result Execution `json:"result"`
}

type TargetResult struct {
	SourceHash string    `json:"source_hash"`
	Compile    Execution `json:"compile"`
	Runs       []TestRun `json:"runs"`
}

type FileTestResult struct {
	File    string        `json:"file"`
	Status  string        `json:"status"` // PASS, FAIL, SKIP, ERROR
	Message string        `json:"message,omitempty"`
	Diff    string        `json:"diff,omitempty"`
	Golden  *TargetResult `json:"golden,omitempty"`
	Target  *TargetResult `json:"target,omitempty"`
}

type TestSuiteResults map[string]*FileTestResult

var (
	compiler       = flag.String("compiler", "./gbw", "Path to the gbw binary to test.")
	compilerArgs   = flag.String("args", "", "Extra arguments for `gbw build` and `gbw run` (space-separated).")
	generateGolden = flag.String("generate-golden", "", "Generate a golden .json file for a given tree file.")
	testFiles      = flag.String("test-files", "tests/*.yaml", "Glob pattern(s) for files to test (space-separated).")
	skipFiles      = flag.String("skip-files", "", "Files to skip (space-separated).")
	outputJSON     = flag.String("output", ".test_results.json", "Output file for the JSON test report.")
	timeout        = flag.Duration("timeout", 5*time.Second, "Timeout for each command execution.")
	jobs           = flag.Int("j", 4, "Number of parallel test jobs.")
	runs           = flag.Int("runs", 3, "Number of times to run each module to find the minimum duration.")
	verbose        = flag.Bool("v", false, "Enable verbose logging.")
	useCache       = flag.Bool("cached", false, "Reuse the previous report for files whose content and golden file are unchanged.")
	jsonDir        = flag.String("dir", "", "Directory to store/read golden JSON files (defaults to source file dir).")
	ignoreLines    = flag.String("ignore-lines", "", "Comma-separated substrings to ignore during output comparison.")
)

const (
	cRed    = "\x1b[91m"
	cYellow = "\x1b[93m"
	cGreen  = "\x1b[92m"
	cCyan   = "\x1b[96m"
	cBold   = "\x1b[1m"
	cNone   = "\x1b[0m"
)

func main() {
	flag.Parse()
	log.SetFlags(0)

	if *runs < 1 {
		*runs = 1
	}

	tempDir, err := os.MkdirTemp("", "gtest-*")
	if err != nil {
		log.Fatalf("%s[ERROR]%s Failed to create temp directory: %v\n", cRed, cNone, err)
	}
	defer os.RemoveAll(tempDir)
	setupInterruptHandler(tempDir)

	compilerPath, err := exec.LookPath(*compiler)
	if err != nil {
		log.Fatalf("%s[ERROR]%s Compiler '%s' not found: %v\n", cRed, cNone, *compiler, err)
	}
	// Commands run from the directory of each tree file.
	if abs, err := filepath.Abs(compilerPath); err == nil {
		*compiler = abs
	}

	if *generateGolden != "" {
		handleGenerateGolden(*generateGolden, tempDir)
		return
	}

	handleRunTestSuite(tempDir)
}

// setupInterruptHandler is used to clean up on CTRL+C
func setupInterruptHandler(tempDir string) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		os.RemoveAll(tempDir)
		fmt.Printf("\n%s[INTERRUPT]%s Test run cancelled. Cleaning up...\n", cYellow, cNone)
		os.Exit(1)
	}()
}

func getJSONPath(sourceFile string) string {
	jsonFileName := "." + filepath.Base(sourceFile) + ".json"
	if *jsonDir != "" {
		return filepath.Join(*jsonDir, jsonFileName)
	}
	return filepath.Join(filepath.Dir(sourceFile), jsonFileName)
}

// hashFile computes the xxhash of a file's content
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum64()), nil
}

func handleGenerateGolden(sourceFile, tempDir string) {
	log.Printf("Generating golden file for %s...\n", sourceFile)

	fileHash, err := hashFile(sourceFile)
	if err != nil {
		log.Fatalf("%s[ERROR]%s Could not hash source file %s: %v\n", cRed, cNone, sourceFile, err)
	}

	// A golden file may record an expected compile failure, so the error
	// from compileAndRun is only informational here.
	targetResult, err := compileAndRun(sourceFile, tempDir, fileHash)
	if err != nil {
		log.Printf("%s[WARN]%s %s does not compile; recording the failure: %v\n", cYellow, cNone, sourceFile, err)
	}

	jsonData, err := json.MarshalIndent(targetResult, "", "  ")
	if err != nil {
		log.Fatalf("%s[ERROR]%s Failed to marshal golden data to JSON: %v\n", cRed, cNone, err)
	}

	goldenFileName := getJSONPath(sourceFile)
	if *jsonDir != "" {
		if err := os.MkdirAll(*jsonDir, 0755); err != nil {
			log.Fatalf("%s[ERROR]%s Failed to create directory %s: %v\n", cRed, cNone, *jsonDir, err)
		}
	}

	if err := os.WriteFile(goldenFileName, jsonData, 0644); err != nil {
		log.Fatalf("%s[ERROR]%s Failed to write golden file %s: %v\n", cRed, cNone, goldenFileName, err)
	}

	log.Printf("%s[SUCCESS]%s Golden file created at %s\n", cGreen, cNone, goldenFileName)
}

func handleRunTestSuite(tempDir string) {
	files, err := expandGlobPatterns(*testFiles)
	if err != nil {
		log.Fatalf("%s[ERROR]%s Invalid glob pattern(s): %v\n", cRed, cNone, err)
	}
	if len(files) == 0 {
		log.Println("No test files found matching the pattern(s).")
		return
	}

	previousResults := make(TestSuiteResults)
	outputFile := reportPath()
	if *useCache {
		if prevData, err := os.ReadFile(outputFile); err == nil {
			if json.Unmarshal(prevData, &previousResults) != nil {
				log.Printf("%s[WARN]%s Could not parse previous results file %s. Cache will not be used.\n", cYellow, cNone, outputFile)
				previousResults = make(TestSuiteResults)
			}
		}
	}

	skipList := make(map[string]bool)
	for _, f := range strings.Fields(*skipFiles) {
		skipList[f] = true
	}

	type task struct {
		file, hash string
	}
	tasks := make(chan task, len(files))
	resultsChan := make(chan *FileTestResult, len(files))
	var wg sync.WaitGroup

	for i := 0; i < *jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				resultsChan <- testFile(t.file, tempDir, t.hash, previousResults)
			}
		}()
	}

	// Feed the tasks channel, skipping files with identical content
	seenHashes := make(map[string]string)
	for _, file := range files {
		if skipList[file] || skipList[filepath.Base(file)] {
			resultsChan <- &FileTestResult{File: file, Status: "SKIP", Message: "Explicitly skipped"}
			continue
		}
		fileHash, err := hashFile(file)
		if err != nil {
			resultsChan <- &FileTestResult{File: file, Status: "ERROR", Message: fmt.Sprintf("Failed to read file for hashing: %v", err)}
			continue
		}
		if originalFile, seen := seenHashes[fileHash]; seen {
			resultsChan <- &FileTestResult{File: file, Status: "SKIP", Message: fmt.Sprintf("Content is identical to %s", originalFile)}
			continue
		}
		seenHashes[fileHash] = file
		tasks <- task{file: file, hash: fileHash}
	}
	close(tasks)

	wg.Wait()
	close(resultsChan)

	var allResults []*FileTestResult
	for result := range resultsChan {
		allResults = append(allResults, result)
	}

	sort.Slice(allResults, func(i, j int) bool {
		return allResults[i].File < allResults[j].File
	})

	printSummary(allResults)
	resultsMap := writeJSONReport(allResults)

	if hasFailures(resultsMap) {
		os.Exit(1)
	}
}

func testFile(file, tempDir, fileHash string, previousResults TestSuiteResults) *FileTestResult {
	goldenFile := getJSONPath(file)
	goldenData, err := os.ReadFile(goldenFile)
	if os.IsNotExist(err) {
		return &FileTestResult{File: file, Status: "SKIP", Message: "Cannot test without a corresponding .json golden file"}
	}
	if err != nil {
		return &FileTestResult{File: file, Status: "ERROR", Message: fmt.Sprintf("Could not read golden file %s: %v", goldenFile, err)}
	}
	var golden TargetResult
	if err := json.Unmarshal(goldenData, &golden); err != nil {
		return &FileTestResult{File: file, Status: "ERROR", Message: fmt.Sprintf("Could not parse golden file %s: %v", goldenFile, err)}
	}

	if prev, ok := previousResults[file]; ok && prev.Status == "PASS" && prev.Target != nil &&
		prev.Target.SourceHash == fileHash && prev.Golden != nil && cmp.Equal(stripDurations(prev.Golden), stripDurations(&golden)) {
		if *verbose {
			log.Printf("[%s] Unchanged since the last passing run, using the cached result.", file)
		}
		cached := *prev
		cached.Message += " (cached)"
		return &cached
	}

	targetResult, _ := compileAndRun(file, tempDir, fileHash)
	result := compareResults(file, &golden, targetResult)
	if golden.SourceHash != "" && golden.SourceHash != fileHash && result.Status == "PASS" {
		result.Message += fmt.Sprintf(" (golden file was generated from different content, %s)", golden.SourceHash)
	}
	return result
}

// stripDurations returns a copy of r without the timing fields, which never
// take part in a comparison.
func stripDurations(r *TargetResult) *TargetResult {
	c := *r
	c.Compile.Duration = 0
	c.Runs = make([]TestRun, len(r.Runs))
	for i, run := range r.Runs {
		run.Result.Duration = 0
		c.Runs[i] = run
	}
	return &c
}

func compareResults(file string, golden, target *TargetResult) *FileTestResult {
	var diffs strings.Builder
	var failed bool

	ignoredSubstrings := []string{}
	if *ignoreLines != "" {
		ignoredSubstrings = strings.Split(*ignoreLines, ",")
	}

	compare := func(what string, want, got Execution) {
		if want.ExitCode != got.ExitCode {
			failed = true
			diffs.WriteString(fmt.Sprintf("%s exit code mismatch:\n  - Golden: %d\n  - Target: %d\n", what, want.ExitCode, got.ExitCode))
		}
		if want.TimedOut != got.TimedOut {
			failed = true
			diffs.WriteString(fmt.Sprintf("%s timeout mismatch:\n  - Golden: %v\n  - Target: %v\n", what, want.TimedOut, got.TimedOut))
		}
		if want.UnstableOutput != got.UnstableOutput {
			failed = true
			diffs.WriteString(fmt.Sprintf("%s output stability mismatch:\n  - Golden: %v\n  - Target: %v\n", what, want.UnstableOutput, got.UnstableOutput))
		}
		if filterOutput(want.Stdout, ignoredSubstrings) != filterOutput(got.Stdout, ignoredSubstrings) {
			failed = true
			diffs.WriteString(fmt.Sprintf("%s STDOUT mismatch:\n%s", what, cmp.Diff(want.Stdout, got.Stdout)))
		}
		if filterOutput(want.Stderr, ignoredSubstrings) != filterOutput(got.Stderr, ignoredSubstrings) {
			failed = true
			diffs.WriteString(fmt.Sprintf("%s STDERR mismatch:\n%s", what, cmp.Diff(want.Stderr, got.Stderr)))
		}
	}

	compare("Compile", golden.Compile, target.Compile)

	targetRuns := make(map[string]TestRun)
	for _, run := range target.Runs {
		targetRuns[run.Name] = run
	}
	for _, goldenRun := range golden.Runs {
		targetRun, ok := targetRuns[goldenRun.Name]
		if !ok {
			failed = true
			diffs.WriteString(fmt.Sprintf("Run '%s' missing in target results.\n", goldenRun.Name))
			continue
		}
		compare(fmt.Sprintf("Run '%s'", goldenRun.Name), goldenRun.Result, targetRun.Result)
	}

	if failed {
		return &FileTestResult{File: file, Status: "FAIL", Message: "Output or exit code mismatch", Diff: diffs.String(), Golden: golden, Target: target}
	}
	msg := "All runs match the golden file"
	if golden.Compile.ExitCode != 0 {
		msg = "Compilation failed as expected"
	}
	return &FileTestResult{File: file, Status: "PASS", Message: msg, Golden: golden, Target: target}
}

// executeCommand runs a command in dir with a timeout and captures its output
func executeCommand(ctx context.Context, dir, command string, args ...string) Execution {
	startTime := time.Now()
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	err := cmd.Run()
	duration := time.Since(startTime)

	execResult := Execution{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if ctx.Err() == context.DeadlineExceeded {
		execResult.TimedOut = true
		execResult.ExitCode = -1
	} else if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			execResult.ExitCode = exitErr.ExitCode()
		} else {
			execResult.ExitCode = -2
			execResult.Stderr += "\nExecution error: " + err.Error()
		}
	}

	return execResult
}

// compileAndRun builds sourceFile into tempDir and runs the module. The
// error is non-nil when the build fails; the result then holds only the
// compile step.
func compileAndRun(sourceFile, tempDir, fileHash string) (*TargetResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	wasmPath := filepath.Join(tempDir, fileHash+".wasm")
	extra := strings.Fields(*compilerArgs)
	// Diagnostics name the file relative to its directory, so golden files
	// do not depend on where the suite is checked out.
	dir, base := filepath.Split(sourceFile)

	buildArgs := append([]string{"build", "-o", wasmPath}, extra...)
	compileResult := executeCommand(ctx, dir, *compiler, append(buildArgs, base)...)
	if compileResult.ExitCode != 0 || compileResult.TimedOut {
		return &TargetResult{SourceHash: fileHash, Compile: compileResult}, fmt.Errorf("compilation failed with exit code %d", compileResult.ExitCode)
	}
	if _, err := os.Stat(wasmPath); os.IsNotExist(err) {
		return &TargetResult{SourceHash: fileHash, Compile: compileResult}, fmt.Errorf("compilation succeeded but module was not created at %s", wasmPath)
	}

	testCases := map[string][]string{
		"exports":  append(append([]string{"run"}, extra...), wasmPath),
		"sections": append(append([]string{"build", "--emit", "sections"}, extra...), base),
	}
	var testCaseNames []string
	for name := range testCases {
		testCaseNames = append(testCaseNames, name)
	}
	sort.Strings(testCaseNames)

	ignoredSubstrings := []string{}
	if *ignoreLines != "" {
		ignoredSubstrings = strings.Split(*ignoreLines, ",")
	}

	runResults := make([]TestRun, 0, len(testCaseNames))
	for _, name := range testCaseNames {
		args := testCases[name]
		var durations []time.Duration
		var firstRunResult Execution
		var unstableOutput bool

		for i := 0; i < *runs; i++ {
			runCtx, runCancel := context.WithTimeout(context.Background(), *timeout)
			runResult := executeCommand(runCtx, dir, *compiler, args...)
			runCancel()

			if i == 0 {
				firstRunResult = runResult
			} else if firstRunResult.ExitCode != runResult.ExitCode ||
				filterOutput(firstRunResult.Stdout, ignoredSubstrings) != filterOutput(runResult.Stdout, ignoredSubstrings) ||
				filterOutput(firstRunResult.Stderr, ignoredSubstrings) != filterOutput(runResult.Stderr, ignoredSubstrings) {
				// The fastest of differing runs means nothing.
				unstableOutput = true
				break
			}

			if runResult.TimedOut {
				firstRunResult = runResult
				break
			}
			durations = append(durations, runResult.Duration)
		}

		if len(durations) > 0 {
			sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
			firstRunResult.Duration = durations[0]
		}
		firstRunResult.UnstableOutput = unstableOutput

		// Paths under tempDir differ between runs.
		runArgs := make([]string, len(args))
		for i, a := range args {
			runArgs[i] = strings.ReplaceAll(a, tempDir, "$TMP")
		}
		runResults = append(runResults, TestRun{Name: name, Args: runArgs, Result: firstRunResult})
	}

	return &TargetResult{SourceHash: fileHash, Compile: compileResult, Runs: runResults}, nil
}

// filterOutput removes lines containing any of the given substrings
func filterOutput(output string, ignoredSubstrings []string) string {
	if len(ignoredSubstrings) == 0 || output == "" {
		return output
	}
	lines := strings.Split(output, "\n")
	filteredLines := make([]string, 0, len(lines))

	for _, line := range lines {
		ignore := false
		for _, sub := range ignoredSubstrings {
			if sub != "" && strings.Contains(line, sub) {
				ignore = true
				break
			}
		}
		if !ignore {
			filteredLines = append(filteredLines, line)
		}
	}
	return strings.Join(filteredLines, "\n")
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%6dµs", d.Microseconds())
	}
	return fmt.Sprintf("%6dms", d.Milliseconds())
}

func printSummary(results []*FileTestResult) {
	var passed, failed, skipped, errored int
	var totalCompile, totalRuntime time.Duration
	var timedFiles int

	var maxRunNameLen int
	for _, result := range results {
		if result.Target == nil {
			continue
		}
		for _, run := range result.Target.Runs {
			if len(run.Name) > maxRunNameLen {
				maxRunNameLen = len(run.Name)
			}
		}
	}

	for _, result := range results {
		fmt.Println("----------------------------------------------------------------------")
		fmt.Printf("Testing %s%s%s...\n", cCyan, result.File, cNone)

		switch result.Status {
		case "PASS":
			passed++
			fmt.Printf("  [%sPASS%s] %s\n", cGreen, cNone, result.Message)
		case "FAIL":
			failed++
			fmt.Printf("  [%sFAIL%s] %s\n", cRed, cNone, result.Message)
			fmt.Println(formatDiff(result.Diff))
		case "SKIP":
			skipped++
			fmt.Printf("  [%sSKIP%s] %s\n", cYellow, cNone, result.Message)
		case "ERROR":
			errored++
			fmt.Printf("  [%sERROR%s] %s\n", cRed, cNone, result.Message)
		}

		if result.Target == nil {
			continue
		}
		timedFiles++
		totalCompile += result.Target.Compile.Duration
		var fileRuntime time.Duration
		for _, run := range result.Target.Runs {
			fileRuntime += run.Result.Duration
			if *verbose {
				fmt.Printf("         %-*s %s\n", maxRunNameLen, run.Name, formatDuration(run.Result.Duration))
			}
		}
		totalRuntime += fileRuntime
		if *verbose {
			fmt.Printf("         [comp: %s | runt: %s]\n", formatDuration(result.Target.Compile.Duration), formatDuration(fileRuntime))
		}
	}

	fmt.Println("----------------------------------------------------------------------")
	fmt.Printf("%sTest Summary:%s %s%d Passed%s, %s%d Failed%s, %s%d Skipped%s, %s%d Errored%s, %d Total\n",
		cBold, cNone, cGreen, passed, cNone, cRed, failed, cNone, cYellow, skipped, cNone, cRed, errored, cNone, len(results))

	if timedFiles > 0 {
		fmt.Println("---")
		fmt.Printf("On average, %s%s%s took %s to compile a file and %s to run it.\n",
			cBold, filepath.Base(*compiler), cNone,
			strings.TrimSpace(formatDuration(totalCompile/time.Duration(timedFiles))),
			strings.TrimSpace(formatDuration(totalRuntime/time.Duration(timedFiles))))
	}
}

func formatDiff(diff string) string {
	if diff == "" {
		return ""
	}
	var builder strings.Builder
	builder.WriteString("    --- Diff ---\n")
	for _, line := range strings.Split(diff, "\n") {
		lineWithIndent := "    " + line
		trimmedLine := strings.TrimSpace(line)
		if strings.HasPrefix(trimmedLine, "-") {
			builder.WriteString(cRed)
		} else if strings.HasPrefix(trimmedLine, "+") {
			builder.WriteString(cGreen)
		}
		builder.WriteString(lineWithIndent)
		builder.WriteString(cNone)
		builder.WriteString("\n")
	}
	return builder.String()
}

func reportPath() string {
	if *jsonDir != "" {
		return filepath.Join(*jsonDir, *outputJSON)
	}
	return *outputJSON
}

func writeJSONReport(results []*FileTestResult) TestSuiteResults {
	resultsMap := make(TestSuiteResults, len(results))
	for _, r := range results {
		resultsMap[r.File] = r
	}

	jsonData, err := json.MarshalIndent(resultsMap, "", "  ")
	if err != nil {
		log.Printf("%s[ERROR]%s Failed to marshal results to JSON: %v\n", cRed, cNone, err)
		return resultsMap
	}

	if *jsonDir != "" {
		if err := os.MkdirAll(*jsonDir, 0755); err != nil {
			log.Printf("%s[ERROR]%s Failed to create dir %s: %v\n", cRed, cNone, *jsonDir, err)
		}
	}
	outputFile := reportPath()
	if err := os.WriteFile(outputFile, jsonData, 0644); err != nil {
		log.Printf("%s[ERROR]%s Failed to write JSON report to %s: %v\n", cRed, cNone, outputFile, err)
	} else {
		fmt.Printf("Full test report saved to %s\n", outputFile)
	}
	return resultsMap
}

func hasFailures(results TestSuiteResults) bool {
	for _, result := range results {
		if result.Status == "FAIL" || result.Status == "ERROR" {
			return true
		}
	}
	return false
}

func expandGlobPatterns(patterns string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]bool)
	for _, pattern := range strings.Fields(patterns) {
		files, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %s: %w", pattern, err)
		}
		for _, file := range files {
			absFile, err := filepath.Abs(file)
			if err != nil {
				continue
			}
			if !seen[absFile] {
				if info, err := os.Stat(absFile); err == nil && info.Mode().IsRegular() {
					allFiles = append(allFiles, absFile)
					seen[absFile] = true
				}
			}
		}
	}
	return allFiles, nil
}
