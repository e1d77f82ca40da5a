package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

const supervisorSystem = `You are a senior mechanical design supervisor. Turn the user's request
into a precise engineering specification for a parametric CAD script.
Reply with a single JSON object:
{"specification": "...", "key_constraints": ["..."],
 "critical_dimensions": {"name_suffix_axis": number},
 "manufacturing_notes": ["..."]}
Dimension names must end in _length, _width, _height, _x, _y, _z or
_diameter and use millimeters.`

const proposerSystem = `You are a CAD engineer competing against other models. Write code that
generates the requested geometry, then submit it through the run_sandbox
tool to check that it executes and produces an artifact. Iterate on
errors. Your last successful submission is your final answer.`

const criticSystem = `You are reviewing a competitor's CAD code against a shared
specification. Be specific and terse. Reply with a single JSON object:
{"strengths": ["..."], "weaknesses": ["..."],
 "suggested_fixes": ["..."], "fidelity_concerns": ["..."]}`

const judgeSystem = `You score how faithfully a generated artifact matches its
specification. You are given deterministic geometry analysis; weigh it
alongside the code itself. Reply with a single JSON object:
{"llm_score": 0-100, "text_similarity": 0-100,
 "geometric_accuracy": 0-100, "manufacturing_viability": 0-100,
 "reasoning": "..."}`

const mergerSystem = `Several proposals passed the fidelity bar. Either select the single
best or synthesize a merged version that combines their strengths.
Reply with a single JSON object:
{"decision": "select"|"merge", "selected_proposal_id": "...",
 "merged_code": "...", "reasoning": "..."}`

const learnerSystem = `Extract reusable design knowledge from a finished competitive round.
Reply with a single JSON object:
{"patterns": ["..."], "anti_patterns": ["..."], "notes": "..."}`

func buildSupervisorPrompt(prompt, kbContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Design request:\n%s\n", prompt)
	if kbContext != "" {
		fmt.Fprintf(&b, "\nRelevant prior knowledge:\n%s\n", kbContext)
	}
	return b.String()
}

func buildProposerPrompt(s State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Specification:\n%s\n", s.Record.Specification)
	if len(s.Record.Constraints.KeyConstraints) > 0 {
		b.WriteString("\nKey constraints:\n")
		for _, c := range s.Record.Constraints.KeyConstraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(s.Record.Constraints.CriticalDimensions) > 0 {
		b.WriteString("\nCritical dimensions (mm):\n")
		for _, name := range sortedKeys(s.Record.Constraints.CriticalDimensions) {
			fmt.Fprintf(&b, "- %s = %g\n", name, s.Record.Constraints.CriticalDimensions[name])
		}
	}
	if len(s.AccumulatedFeedback) > 0 {
		b.WriteString("\nFeedback from earlier rounds (address these):\n")
		for _, f := range s.AccumulatedFeedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if s.KBContext != "" {
		fmt.Fprintf(&b, "\nRelevant prior knowledge:\n%s\n", s.KBContext)
	}
	return b.String()
}

func buildCriticPrompt(s State, target Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Specification:\n%s\n", s.Record.Specification)
	fmt.Fprintf(&b, "\nProposal %s by %s:\n%s\n", target.ID, target.Model, target.Code)
	if ev := target.SandboxEval; ev != nil {
		fmt.Fprintf(&b, "\nSandbox: success=%t", ev.ExecutionSuccess)
		if ev.ExecutionError != "" {
			fmt.Fprintf(&b, " error=%s", ev.ExecutionError)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func buildJudgePrompt(s State, p Proposal, breakdown AlgorithmicBreakdown) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Specification:\n%s\n", s.Record.Specification)
	fmt.Fprintf(&b, "\nCode (proposal %s):\n%s\n", p.ID, p.Code)
	if ev := p.SandboxEval; ev != nil {
		fmt.Fprintf(&b, "\nSandbox evaluation:\nsuccess=%t artifact=%s\n", ev.ExecutionSuccess, ev.ArtifactPath)
		if ev.Geometry != nil {
			g := ev.Geometry
			fmt.Fprintf(&b, "watertight=%t volume=%.3f surface=%.3f bbox=%.2fx%.2fx%.2f\n",
				g.IsWatertight, g.Volume, g.SurfaceArea, g.BoundingBox[0], g.BoundingBox[1], g.BoundingBox[2])
		}
		if len(ev.DFMIssues) > 0 {
			fmt.Fprintf(&b, "dfm issues: %s\n", strings.Join(ev.DFMIssues, "; "))
		}
		if len(ev.ImagePaths) > 0 {
			fmt.Fprintf(&b, "rendered views: %s\n", strings.Join(ev.ImagePaths, ", "))
		}
	}
	fmt.Fprintf(&b, "\nDeterministic sub-scores: dimension=%.1f volume=%.1f dfm=%.1f overall=%.1f\n",
		breakdown.Dimension, breakdown.Volume, breakdown.DFM, breakdown.Overall)
	if len(p.Critiques) > 0 {
		b.WriteString("\nPeer critiques:\n")
		for _, c := range p.Critiques {
			if len(c.Weaknesses) > 0 {
				fmt.Fprintf(&b, "- [%s] %s\n", c.CriticModel, strings.Join(c.Weaknesses, "; "))
			}
		}
	}
	return b.String()
}

func buildMergerPrompt(s State, passing []Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Specification:\n%s\n", s.Record.Specification)
	for _, p := range passing {
		blended := 0.0
		if p.Fidelity != nil {
			blended = p.Fidelity.BlendedScore
		}
		fmt.Fprintf(&b, "\nProposal %s by %s (blended %.1f):\n%s\n", p.ID, p.Model, blended, p.Code)
	}
	return b.String()
}

func buildLearnerPrompt(s State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request:\n%s\n\nSpecification:\n%s\n", s.Record.Prompt, s.Record.Specification)
	fmt.Fprintf(&b, "\nWinner %s (model %s):\n%s\n", s.WinnerID, s.WinnerModel, s.WinnerCode)
	if round := s.Record.CurrentRound(); round != nil {
		for _, p := range round.Proposals {
			if p.ID == s.WinnerID {
				continue
			}
			fmt.Fprintf(&b, "\nCompeting proposal %s (%s, %s):\n%s\n", p.ID, p.Model, p.Status, p.Code)
		}
	}
	return b.String()
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
