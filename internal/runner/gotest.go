// Package runner executes one shard of tests locally, over SSH or through a
// testfleet-agent, and turns `go test -json` output into shard results.
package runner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/3cpo-dev/testfleet/pkg/api"
)

// ErrNoResults means the output held no test events at all, so the shard
// did not run rather than ran and failed.
var ErrNoResults = errors.New("no go test events in output")

type testEvent struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Elapsed float64 `json:"Elapsed"`
	Output  string  `json:"Output"`
}

type pkgState struct {
	failedTests int
	failed      bool
}

// ParseGoTestJSON reads a `go test -json` stream. Every test and subtest
// becomes a case. A package that fails without a failing test (build error,
// TestMain exit, panic outside a test) counts as one error. Lines that are
// not JSON events are ignored.
func ParseGoTestJSON(r io.Reader) (api.ShardRunResult, error) {
	var (
		res    api.ShardRunResult
		events int
	)
	pkgs := map[string]*pkgState{}
	var pkgOrder []string
	output := map[string]*strings.Builder{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev testEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Action == "" {
			continue
		}
		events++

		ps, ok := pkgs[ev.Package]
		if !ok {
			ps = &pkgState{}
			pkgs[ev.Package] = ps
			pkgOrder = append(pkgOrder, ev.Package)
		}
		key := ev.Package + "\x00" + ev.Test

		switch ev.Action {
		case "output":
			if ev.Test == "" {
				continue
			}
			b, ok := output[key]
			if !ok {
				b = &strings.Builder{}
				output[key] = b
			}
			b.WriteString(ev.Output)
		case "pass", "fail", "skip":
			if ev.Test == "" {
				if ev.Action == "fail" {
					ps.failed = true
				}
				res.DurationMS += ev.Elapsed * 1000
				continue
			}
			c := api.CaseResult{
				Name:       ev.Test,
				Package:    ev.Package,
				DurationMS: ev.Elapsed * 1000,
			}
			switch ev.Action {
			case "pass":
				c.Status = api.CasePass
				res.Passed++
			case "fail":
				c.Status = api.CaseFail
				res.Failed++
				ps.failedTests++
				if b, ok := output[key]; ok {
					c.Output = b.String()
				}
			case "skip":
				c.Status = api.CaseSkip
				res.Skipped++
			}
			delete(output, key)
			res.Cases = append(res.Cases, c)
		}
	}
	if err := sc.Err(); err != nil {
		return res, err
	}
	if events == 0 {
		return res, ErrNoResults
	}
	for _, name := range pkgOrder {
		if ps := pkgs[name]; ps.failed && ps.failedTests == 0 {
			res.Errors++
		}
	}
	res.Success = res.Failed == 0 && res.Errors == 0
	return res, nil
}
