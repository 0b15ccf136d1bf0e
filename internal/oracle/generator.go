package oracle

import (
	"context"
	"fmt"
	"strings"

	"chaosbrain/internal/logging"
)

// Scripts is a generated exec/undo pair.
type Scripts struct {
	Exec string
	Undo string
}

// StepPlan is one step of an iterative session: what the model wants to run
// next, and whether it considers the effect finished.
type StepPlan struct {
	Phase    string
	Thinking string
	Script   string
	Undo     string
	Done     bool
}

// Generator wraps an LLM client with the GLua prompt pack.
type Generator struct {
	client Client
}

// NewGenerator creates a generator over the given client.
func NewGenerator(client Client) *Generator {
	return &Generator{client: client}
}

// GenerateScripts turns a natural-language idea into an exec/undo pair.
func (g *Generator) GenerateScripts(ctx context.Context, idea, currentMap string) (Scripts, error) {
	if currentMap == "" {
		currentMap = "unknown"
	}
	user := fmt.Sprintf("Current Map: %s. Request: %s", currentMap, idea)

	raw, err := g.client.CompleteWithSystem(ctx, gluaSystemPrompt, user)
	if err != nil {
		return Scripts{}, fmt.Errorf("generation failed: %w", err)
	}

	scripts := splitUndo(stripFences(raw))
	if scripts.Exec == "" {
		return Scripts{}, fmt.Errorf("oracle returned no executable script")
	}
	logging.Oracle("generated scripts for %q (exec=%d bytes, undo=%d bytes)",
		idea, len(scripts.Exec), len(scripts.Undo))
	return scripts, nil
}

// FixScript asks the oracle to repair a script that failed in the test
// executor, given the executor's error output.
func (g *Generator) FixScript(ctx context.Context, prompt, script, execErr string) (Scripts, error) {
	user := fmt.Sprintf(gluaFixPrompt, prompt, script, execErr)

	raw, err := g.client.CompleteWithSystem(ctx, gluaSystemPrompt, user)
	if err != nil {
		return Scripts{}, fmt.Errorf("fix failed: %w", err)
	}

	scripts := splitUndo(stripFences(raw))
	if scripts.Exec == "" {
		return Scripts{}, fmt.Errorf("oracle returned no fixed script")
	}
	return scripts, nil
}

// IterateStep runs one step of an iterative session. prevResult carries the
// executor output from the previous step, empty on the first call.
func (g *Generator) IterateStep(ctx context.Context, idea string, iteration, maxIterations int, prevResult string) (StepPlan, error) {
	if prevResult == "" {
		prevResult = "(none, this is the first step)"
	}
	user := fmt.Sprintf(gluaIteratePrompt, idea, iteration, maxIterations, prevResult)

	raw, err := g.client.Complete(ctx, user)
	if err != nil {
		return StepPlan{}, fmt.Errorf("iteration step failed: %w", err)
	}

	plan, err := parseStepPlan(raw)
	if err != nil {
		return StepPlan{}, err
	}
	logging.Oracle("session step %d/%d: phase=%s done=%v", iteration, maxIterations, plan.Phase, plan.Done)
	return plan, nil
}

// stripFences removes markdown code fences the model sometimes emits despite
// being told not to.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```lua", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// splitUndo separates a response into exec and undo scripts at the marker.
// Responses without a marker are all exec.
func splitUndo(s string) Scripts {
	before, after, found := strings.Cut(s, UndoMarker)
	if !found {
		return Scripts{Exec: strings.TrimSpace(s)}
	}
	return Scripts{
		Exec: strings.TrimSpace(before),
		Undo: strings.TrimSpace(after),
	}
}

// parseStepPlan extracts the PHASE/THINKING/CODE sections of an iteration
// response. Unknown or missing phases are preserved as-is; the session layer
// decides how to classify them.
func parseStepPlan(raw string) (StepPlan, error) {
	raw = stripFences(raw)

	var plan StepPlan
	lines := strings.Split(raw, "\n")
	codeStart := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "PHASE:"):
			plan.Phase = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "PHASE:")))
		case strings.HasPrefix(trimmed, "THINKING:"):
			plan.Thinking = strings.TrimSpace(strings.TrimPrefix(trimmed, "THINKING:"))
		case strings.HasPrefix(trimmed, "CODE:"):
			codeStart = i + 1
		}
		if codeStart >= 0 {
			break
		}
	}
	if codeStart < 0 || codeStart > len(lines) {
		return StepPlan{}, fmt.Errorf("iteration response missing CODE section")
	}

	code := strings.TrimSpace(strings.Join(lines[codeStart:], "\n"))
	if code == "" {
		return StepPlan{}, fmt.Errorf("iteration response has empty CODE section")
	}

	plan.Done = plan.Phase == "complete"
	if plan.Done {
		scripts := splitUndo(code)
		plan.Script = scripts.Exec
		plan.Undo = scripts.Undo
	} else {
		plan.Script = code
	}
	return plan, nil
}
