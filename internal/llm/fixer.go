package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/3cpo-dev/testfleet/internal/fix"
)

const maxSourceBytes = 64 * 1024

const analyzeSystem = `You find the root cause of a failing Go test or defect.
Reply with one JSON object: {"summary": string, "details": string, "files": [string]}.
Use summary "unknown" when the cause cannot be determined.`

const generateSystem = `You write minimal fixes for Go code as unified diffs relative to the repository root.
Reply with one JSON object: {"diff": string, "rationale": string}.
Do not repeat a rejected diff.`

// Analyzer names root causes with a model. Target paths are read relative
// to Tree; a nil Tree sends the target name alone.
type Analyzer struct {
	Engine Engine
	Tree   *fix.WorkTree
}

type rootCauseReply struct {
	Summary string   `json:"summary"`
	Details string   `json:"details"`
	Files   []string `json:"files"`
}

func (a *Analyzer) AnalyzeRootCause(ctx context.Context, target string) (*fix.RootCause, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Target: %s\n", target)
	writeSource(&prompt, a.Tree, target)

	resp, err := a.Engine.Generate(ctx, Request{System: analyzeSystem, Prompt: prompt.String(), JSON: true})
	if err != nil {
		return nil, err
	}
	var reply rootCauseReply
	if err := decodeJSON(resp.Content, &reply); err != nil {
		return nil, fmt.Errorf("root cause reply: %w", err)
	}
	summary := strings.TrimSpace(reply.Summary)
	if summary == "" || strings.EqualFold(summary, "unknown") {
		return nil, nil
	}
	return &fix.RootCause{Summary: summary, Details: reply.Details, Files: reply.Files}, nil
}

// Generator proposes fixes with a model, showing it every earlier attempt
// and why it was rejected.
type Generator struct {
	Engine Engine
	Tree   *fix.WorkTree
}

type fixReply struct {
	Diff      string `json:"diff"`
	Rationale string `json:"rationale"`
}

func (g *Generator) GenerateFix(ctx context.Context, req fix.GenerationRequest) (fix.GeneratedFix, error) {
	resp, err := g.Engine.Generate(ctx, Request{System: generateSystem, Prompt: GenerationPrompt(g.Tree, req), JSON: true})
	if err != nil {
		return fix.GeneratedFix{}, err
	}
	var reply fixReply
	if err := decodeJSON(resp.Content, &reply); err != nil {
		return fix.GeneratedFix{}, fmt.Errorf("fix reply: %w", err)
	}
	if strings.TrimSpace(reply.Diff) == "" {
		return fix.GeneratedFix{}, errors.New("fix reply: empty diff")
	}
	d := reply.Diff
	if !strings.HasSuffix(d, "\n") {
		d += "\n"
	}
	return fix.GeneratedFix{Diff: d, Rationale: reply.Rationale}, nil
}

// GenerationPrompt renders a generation request for the model.
func GenerationPrompt(tree *fix.WorkTree, req fix.GenerationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target: %s\nAttempt: %d\n", req.Target, req.Attempt+1)
	if req.RootCause.Unknown {
		b.WriteString("Root cause: unknown\n")
	} else {
		fmt.Fprintf(&b, "Root cause: %s\n", req.RootCause.Summary)
		if req.RootCause.Details != "" {
			fmt.Fprintf(&b, "Details: %s\n", req.RootCause.Details)
		}
	}
	writeSource(&b, tree, req.Target)
	for _, h := range req.History {
		fmt.Fprintf(&b, "\nRejected attempt %d:\n", h.Number+1)
		if h.Fix.Diff != "" {
			fmt.Fprintf(&b, "```diff\n%s```\n", h.Fix.Diff)
		}
		if h.Report != nil {
			for _, issue := range h.Report.RemainingIssues {
				fmt.Fprintf(&b, "- %s\n", issue)
			}
		}
	}
	return b.String()
}

// writeSource appends the target file when it is a readable file in tree.
func writeSource(b *strings.Builder, tree *fix.WorkTree, target string) {
	if tree == nil || target == "" {
		return
	}
	data, err := tree.ReadFile(target)
	if err != nil {
		return
	}
	if len(data) > maxSourceBytes {
		data = data[:maxSourceBytes]
	}
	fmt.Fprintf(b, "\nSource of %s:\n```go\n%s\n```\n", target, data)
}

// decodeJSON tolerates a reply wrapped in a markdown code fence.
func decodeJSON(content string, v any) error {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return json.Unmarshal([]byte(strings.TrimSpace(s)), v)
}
