package hooks

import (
	"bufio"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/taskfactory/internal/config"
)

// GoTestParser parses `go test` output, either plain text or the -json
// event stream.
type GoTestParser struct{}

// maxExcerptLines caps how many output lines are kept per failing test.
const maxExcerptLines = 30

var (
	failTestRe   = regexp.MustCompile(`^\s*--- FAIL: (\S+)`)
	failPkgRe    = regexp.MustCompile(`^FAIL\s+(\S+)(.*)$`)
	okPkgRe      = regexp.MustCompile(`^ok\s+(\S+)`)
	compileErrRe = regexp.MustCompile(`^\S+\.go:\d+(:\d+)?: `)
)

type goTestEvent struct {
	Action      string `json:"Action"`
	Package     string `json:"Package"`
	Test        string `json:"Test"`
	Output      string `json:"Output"`
	FailedBuild string `json:"FailedBuild"`
}

func (p *GoTestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var r goTestReport
	if looksLikeJSON(stdout) {
		r = parseGoTestJSON(stdout)
	} else {
		r = parseGoTestText(stdout)
	}
	// Compile errors are printed on stderr for both formats.
	scanCompileErrors(stderr, &r)

	res := ParseResult{
		Passed:   exitCode == 0 && len(r.failedTests) == 0 && len(r.failedPkgs) == 0 && !r.buildFailed,
		Findings: r.findings(),
	}
	switch {
	case r.buildFailed:
		res.Category = config.KindSyntax
		res.Summary = fmt.Sprintf("build failed (%d compile errors)", len(r.compileErrors))
	case len(r.failedTests) > 0:
		res.Summary = fmt.Sprintf("%d tests failed in %d packages", len(r.failedTests), max(len(r.failedPkgs), 1))
	case len(r.failedPkgs) > 0:
		res.Summary = fmt.Sprintf("%d packages failed", len(r.failedPkgs))
	case exitCode != 0:
		res.Summary = fmt.Sprintf("exit code %d", exitCode)
		if f := (&GenericParser{}).Parse(stdout, stderr, exitCode); len(f.Findings) > 0 {
			res.Findings = f.Findings
		}
	default:
		res.Summary = fmt.Sprintf("all tests passed (%d packages)", r.okPkgs)
	}
	return res
}

type goTestReport struct {
	failedTests   []string
	excerpts      map[string][]string
	failedPkgs    []string
	okPkgs        int
	buildFailed   bool
	compileErrors []string
}

func (r *goTestReport) addExcerpt(test, line string) {
	if r.excerpts == nil {
		r.excerpts = make(map[string][]string)
	}
	if len(r.excerpts[test]) < maxExcerptLines {
		r.excerpts[test] = append(r.excerpts[test], line)
	}
}

func (r *goTestReport) findings() []string {
	var out []string
	if len(r.compileErrors) > 0 {
		out = append(out, strings.Join(r.compileErrors, "\n"))
	}
	for _, test := range r.failedTests {
		lines := r.excerpts[test]
		if len(lines) == 0 {
			out = append(out, "--- FAIL: "+test)
			continue
		}
		out = append(out, "--- FAIL: "+test+"\n"+strings.Join(lines, "\n"))
	}
	return out
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "{")
}

func parseGoTestText(stdout string) goTestReport {
	var r goTestReport
	// Verbose output logs before the --- FAIL line, plain output after it.
	current, running := "", ""
	logged := make(map[string][]string)
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case failTestRe.MatchString(line):
			current = failTestRe.FindStringSubmatch(line)[1]
			r.failedTests = append(r.failedTests, current)
			for _, l := range logged[current] {
				r.addExcerpt(current, l)
			}
			running = ""
		case strings.HasPrefix(line, "=== RUN"):
			running = strings.TrimSpace(strings.TrimPrefix(line, "=== RUN"))
			current = ""
		case failPkgRe.MatchString(line):
			m := failPkgRe.FindStringSubmatch(line)
			r.failedPkgs = append(r.failedPkgs, m[1])
			if strings.Contains(m[2], "[build failed]") || strings.Contains(m[2], "[setup failed]") {
				r.buildFailed = true
			}
			current = ""
		case okPkgRe.MatchString(line):
			r.okPkgs++
			current = ""
		case compileErrRe.MatchString(line):
			r.compileErrors = append(r.compileErrors, line)
		case strings.HasPrefix(line, "--- PASS") || strings.HasPrefix(line, "--- SKIP") || line == "FAIL" || line == "PASS":
			current, running = "", ""
		case strings.TrimSpace(line) == "":
		case current != "":
			r.addExcerpt(current, strings.TrimRight(line, " "))
		case running != "" && len(logged[running]) < maxExcerptLines:
			logged[running] = append(logged[running], strings.TrimRight(line, " "))
		}
	}
	if len(r.compileErrors) > 0 {
		r.buildFailed = true
	}
	return r
}

func parseGoTestJSON(stdout string) goTestReport {
	var r goTestReport
	output := make(map[string][]string)
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev goTestEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		key := ev.Package + "." + ev.Test
		switch ev.Action {
		case "output", "build-output":
			if ev.Test != "" {
				output[key] = append(output[key], strings.TrimRight(ev.Output, "\n"))
			}
			if compileErrRe.MatchString(ev.Output) {
				r.compileErrors = append(r.compileErrors, strings.TrimRight(ev.Output, "\n"))
			}
		case "build-fail":
			r.buildFailed = true
		case "fail":
			if ev.FailedBuild != "" {
				r.buildFailed = true
			}
			if ev.Test == "" {
				r.failedPkgs = append(r.failedPkgs, ev.Package)
				continue
			}
			r.failedTests = append(r.failedTests, ev.Test)
			for _, line := range output[key] {
				trimmed := strings.TrimSpace(line)
				if trimmed == "" || strings.HasPrefix(trimmed, "=== RUN") || strings.HasPrefix(trimmed, "--- FAIL") {
					continue
				}
				r.addExcerpt(ev.Test, line)
			}
		case "pass":
			if ev.Test == "" {
				r.okPkgs++
			}
		}
	}
	if len(r.compileErrors) > 0 {
		r.buildFailed = true
	}
	return r
}

func scanCompileErrors(stderr string, r *goTestReport) {
	for _, line := range strings.Split(stderr, "\n") {
		if compileErrRe.MatchString(line) {
			r.compileErrors = append(r.compileErrors, line)
			r.buildFailed = true
		}
	}
}
