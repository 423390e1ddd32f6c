package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/agentflow-go/graph"
	"github.com/dshills/agentflow-go/graph/emit"
	"github.com/dshills/agentflow-go/model"
	"github.com/dshills/agentflow-go/store"
)

// Node names, in full-graph order.
const (
	NodeIntakeExtract     = "intake_extract"
	NodeCoverageCheck     = "coverage_check"
	NodeAdaptiveQuestions = "adaptive_questions"
	NodeHITLGateInput     = "hitl_gate_input"
	NodePlanner           = "planner"
	NodeCriticTech        = "critic_tech"
	NodeCriticCost        = "critic_cost"
	NodePolicyEval        = "policy_eval"
	NodeHITLGateFinal     = "hitl_gate_final"
	NodeCodegen           = "codegen"
	NodeValidators        = "validators"
	NodeRationaleCompile  = "rationale_compile"
	NodeDiffAndPersist    = "diff_and_persist"
	NodeCallLLM           = "call_llm"
)

// llmPolicy is shared by every node that calls an external model: a
// per-attempt timeout and a small transient-retry bound. The provider
// error taxonomy (model.CallError) decides what is worth retrying in
// place; retry across steps belongs to the job queue.
func llmPolicy() graph.NodePolicy {
	return graph.NodePolicy{
		Timeout: 60 * time.Second,
		Retry: &graph.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Retryable:   model.IsTransient,
		},
	}
}

// intakeExtractNode extracts structured requirements from the prompt and
// any collected gate responses, scoring how much of the problem space the
// input covers.
type intakeExtractNode struct {
	deps Deps
}

func (n *intakeExtractNode) Policy() graph.NodePolicy { return llmPolicy() }

func (n *intakeExtractNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	round := state.IntakeRounds + 1

	user := "Prompt:\n" + state.Prompt
	if len(state.Responses) > 0 {
		// Sorted so the prompt, and with it the call cache key, is
		// stable across step replays.
		user += "\n\nClarifications provided by the user:"
		for _, k := range sortedKeys(state.Responses) {
			user += fmt.Sprintf("\n- %s: %s", k, state.Responses[k])
		}
	}

	var out struct {
		Requirements map[string]string `json:"requirements"`
		Gaps         []string          `json:"gaps"`
		Coverage     float64           `json:"coverage"`
	}
	err := invokeJSON(ctx, n.deps, fmt.Sprintf("%s#%d", NodeIntakeExtract, round),
		`You extract MLOps requirements. Reply with JSON:
{"requirements": {"<topic>": "<requirement>"}, "gaps": ["<missing information>"], "coverage": <0..1>}`,
		user, &out)
	if err != nil {
		return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodeIntakeExtract, Cause: err}}
	}

	return graph.NodeResult[State]{
		Delta: State{
			Requirements: out.Requirements,
			Gaps:         out.Gaps,
			Coverage:     out.Coverage,
			IntakeRounds: round,
		},
		Cards: []graph.ReasonCard{{
			Agent:      "intake",
			Node:       NodeIntakeExtract,
			Trigger:    "prompt",
			Reasoning:  fmt.Sprintf("extracted %d requirements with %d open gaps", len(out.Requirements), len(out.Gaps)),
			Decision:   fmt.Sprintf("coverage %.2f", out.Coverage),
			Confidence: out.Coverage,
			Inputs:     map[string]any{"round": round},
			Outputs:    map[string]any{"requirements": len(out.Requirements), "gaps": len(out.Gaps)},
			Category:   "intake",
			Priority:   "medium",
		}},
	}
}

// coverageCheckNode is a pure gate over the intake coverage score; the
// conditional edge after it routes to the planner or to adaptive
// questions.
type coverageCheckNode struct {
	threshold float64
}

func (n *coverageCheckNode) Run(_ context.Context, state State) graph.NodeResult[State] {
	ok := state.Coverage >= n.threshold
	decision := "sufficient coverage, proceed to planning"
	if !ok {
		decision = "insufficient coverage, ask clarifying questions"
	}
	return graph.NodeResult[State]{
		Delta: State{CoverageOK: ok},
		Cards: []graph.ReasonCard{{
			Agent:      "coverage",
			Node:       NodeCoverageCheck,
			Trigger:    "intake",
			Reasoning:  fmt.Sprintf("coverage %.2f against threshold %.2f", state.Coverage, n.threshold),
			Decision:   decision,
			Confidence: state.Coverage,
			Inputs:     map[string]any{"coverage": state.Coverage, "threshold": n.threshold},
			Outputs:    map[string]any{"coverage_ok": ok},
			Category:   "gating",
			Priority:   "high",
		}},
	}
}

// adaptiveQuestionsNode turns intake gaps into targeted questions with
// smart defaults for the input gate to present.
type adaptiveQuestionsNode struct {
	deps Deps
}

func (n *adaptiveQuestionsNode) Policy() graph.NodePolicy { return llmPolicy() }

func (n *adaptiveQuestionsNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	var out struct {
		Questions     []Question        `json:"questions"`
		SmartDefaults map[string]string `json:"smart_defaults"`
	}
	err := invokeJSON(ctx, n.deps, fmt.Sprintf("%s#%d", NodeAdaptiveQuestions, state.IntakeRounds),
		`You write clarifying questions for an MLOps architect. Reply with JSON:
{"questions": [{"id": "q1", "text": "..."}], "smart_defaults": {"q1": "<assumed answer>"}}`,
		"Open gaps:\n- "+strings.Join(state.Gaps, "\n- "), &out)
	if err != nil {
		return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodeAdaptiveQuestions, Cause: err}}
	}
	return graph.NodeResult[State]{
		Delta: State{Questions: out.Questions, SmartDefaults: out.SmartDefaults},
		Cards: []graph.ReasonCard{{
			Agent:      "questions",
			Node:       NodeAdaptiveQuestions,
			Trigger:    "coverage_gap",
			Reasoning:  fmt.Sprintf("generated %d questions for %d gaps", len(out.Questions), len(state.Gaps)),
			Decision:   "present questions to user",
			Confidence: 0.9,
			Outputs:    map[string]any{"questions": len(out.Questions)},
			Category:   "intake",
			Priority:   "medium",
		}},
	}
}

// hitlGateInputNode is the input human gate. The engine interrupts before
// it; once the approval payload is merged the node records the collected
// responses and the edges behind it route either back through intake (when
// the user asked for more context, bounded) or on to the planner.
type hitlGateInputNode struct {
	cfg Config
}

func (n *hitlGateInputNode) InterruptEvent(state State) (string, map[string]any) {
	questions := make([]map[string]any, 0, len(state.Questions))
	for _, q := range state.Questions {
		questions = append(questions, map[string]any{"id": q.ID, "text": q.Text})
	}
	return emit.TypeQuestionsPresented, map[string]any{
		"questions":       questions,
		"smart_defaults":  state.SmartDefaults,
		"timeout_seconds": n.cfg.QuestionTimeoutSeconds,
		"node":            NodeHITLGateInput,
	}
}

func (n *hitlGateInputNode) Run(_ context.Context, state State) graph.NodeResult[State] {
	delta := State{}
	if state.Decision == "" {
		// Gate configured to auto-approve: adopt the smart defaults as
		// the user's answers.
		delta.Decision = "approved"
		if state.Responses == nil && len(state.SmartDefaults) > 0 {
			delta.Responses = state.SmartDefaults
		}
	}

	if wantsMoreContext(state) && state.IntakeRounds > n.cfg.MaxIntakeRounds {
		err := fmt.Errorf("intake re-entry limit reached after %d rounds", state.IntakeRounds)
		return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodeHITLGateInput, Cause: err}}
	}

	return graph.NodeResult[State]{Delta: delta}
}

// plannerNode drafts the architecture plan from the requirements.
type plannerNode struct {
	deps Deps
}

func (n *plannerNode) Policy() graph.NodePolicy { return llmPolicy() }

func (n *plannerNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	user := "Prompt:\n" + state.Prompt + "\n\nRequirements:"
	for _, k := range sortedKeys(state.Requirements) {
		user += fmt.Sprintf("\n- %s: %s", k, state.Requirements[k])
	}
	for _, k := range sortedKeys(state.Responses) {
		user += fmt.Sprintf("\n- (user) %s: %s", k, state.Responses[k])
	}

	var plan ArchitecturePlan
	err := invokeJSON(ctx, n.deps, NodePlanner,
		`You are an MLOps architect. Reply with JSON:
{"summary": "...", "components": [{"name": "...", "purpose": "...", "technology": "..."}]}`,
		user, &plan)
	if err != nil {
		return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodePlanner, Cause: err}}
	}
	return graph.NodeResult[State]{
		Delta: State{Plan: &plan},
		Cards: []graph.ReasonCard{{
			Agent:      "planner",
			Node:       NodePlanner,
			Trigger:    "requirements",
			Reasoning:  plan.Summary,
			Decision:   fmt.Sprintf("proposed %d components", len(plan.Components)),
			Confidence: 0.8,
			Outputs:    map[string]any{"components": len(plan.Components)},
			Category:   "planning",
			Priority:   "high",
		}},
	}
}

// criticTechNode reviews the plan on several technical aspects
// concurrently and folds the verdicts into one critique at the step
// boundary.
type criticTechNode struct {
	deps Deps
}

func (n *criticTechNode) Policy() graph.NodePolicy { return llmPolicy() }

var techAspects = []string{"scalability", "reliability", "security"}

func (n *criticTechNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	planText := describePlan(state.Plan)

	verdicts := make([]Critique, len(techAspects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(techAspects))
	for i, aspect := range techAspects {
		g.Go(func() error {
			var c Critique
			err := invokeJSON(gctx, n.deps, NodeCriticTech+"#"+aspect,
				fmt.Sprintf(`You review an MLOps architecture for %s. Reply with JSON:
{"summary": "...", "findings": ["..."], "score": <0..1>}`, aspect),
				planText, &c)
			if err != nil {
				return err
			}
			verdicts[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodeCriticTech, Cause: err}}
	}

	merged := Critique{}
	var cards []graph.ReasonCard
	for i, verdict := range verdicts {
		merged.Score += verdict.Score / float64(len(verdicts))
		merged.Findings = append(merged.Findings, verdict.Findings...)
		if merged.Summary != "" {
			merged.Summary += " "
		}
		merged.Summary += verdict.Summary
		cards = append(cards, graph.ReasonCard{
			Agent:      "critic_tech",
			Node:       NodeCriticTech,
			Trigger:    techAspects[i],
			Reasoning:  verdict.Summary,
			Decision:   fmt.Sprintf("score %.2f", verdict.Score),
			Confidence: verdict.Score,
			Inputs:     map[string]any{"aspect": techAspects[i]},
			Outputs:    map[string]any{"findings": len(verdict.Findings)},
			Category:   "review",
			Priority:   "high",
		})
	}

	return graph.NodeResult[State]{Delta: State{TechReview: &merged}, Cards: cards}
}

// criticCostNode reviews the plan for cost efficiency.
type criticCostNode struct {
	deps Deps
}

func (n *criticCostNode) Policy() graph.NodePolicy { return llmPolicy() }

func (n *criticCostNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	var c Critique
	err := invokeJSON(ctx, n.deps, NodeCriticCost,
		`You review an MLOps architecture for cost efficiency. Reply with JSON:
{"summary": "...", "findings": ["..."], "score": <0..1>}`,
		describePlan(state.Plan), &c)
	if err != nil {
		return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodeCriticCost, Cause: err}}
	}
	return graph.NodeResult[State]{
		Delta: State{CostReview: &c},
		Cards: []graph.ReasonCard{{
			Agent:      "critic_cost",
			Node:       NodeCriticCost,
			Trigger:    "plan",
			Reasoning:  c.Summary,
			Decision:   fmt.Sprintf("score %.2f", c.Score),
			Confidence: c.Score,
			Outputs:    map[string]any{"findings": len(c.Findings)},
			Category:   "review",
			Priority:   "medium",
		}},
	}
}

// policyEvalNode applies deterministic acceptance rules over the plan and
// critiques; no external calls.
type policyEvalNode struct{}

func (n *policyEvalNode) Run(_ context.Context, state State) graph.NodeResult[State] {
	var violations []string
	if state.Plan == nil || len(state.Plan.Components) == 0 {
		violations = append(violations, "plan has no components")
	}
	if state.TechReview != nil && state.TechReview.Score < 0.5 {
		violations = append(violations, fmt.Sprintf("technical review score %.2f below 0.50", state.TechReview.Score))
	}
	if state.CostReview != nil && state.CostReview.Score < 0.3 {
		violations = append(violations, fmt.Sprintf("cost review score %.2f below 0.30", state.CostReview.Score))
	}

	result := &PolicyResult{Passed: len(violations) == 0, Violations: violations}
	decision := "plan passes policy"
	if !result.Passed {
		decision = "plan violates policy"
	}
	return graph.NodeResult[State]{
		Delta: State{Policy: result},
		Cards: []graph.ReasonCard{{
			Agent:      "policy",
			Node:       NodePolicyEval,
			Trigger:    "reviews",
			Reasoning:  fmt.Sprintf("%d violations", len(violations)),
			Decision:   decision,
			Confidence: 1.0,
			Outputs:    map[string]any{"passed": result.Passed, "violations": len(violations)},
			Category:   "gating",
			Priority:   "high",
		}},
	}
}

// hitlGateFinalNode is the final human gate. A rejection ends the workflow
// with the rejection recorded; approval continues to code generation.
type hitlGateFinalNode struct {
	cfg Config
}

func (n *hitlGateFinalNode) InterruptEvent(state State) (string, map[string]any) {
	data := map[string]any{
		"node":            NodeHITLGateFinal,
		"timeout_seconds": n.cfg.QuestionTimeoutSeconds,
	}
	if state.Plan != nil {
		data["plan_summary"] = state.Plan.Summary
	}
	if state.Policy != nil {
		data["policy_passed"] = state.Policy.Passed
	}
	return emit.TypeQuestionsPresented, map[string]any{
		"questions":       []map[string]any{{"id": "final_approval", "text": "Approve the proposed architecture?"}},
		"smart_defaults":  map[string]string{"final_approval": "approved"},
		"timeout_seconds": n.cfg.QuestionTimeoutSeconds,
		"node":            NodeHITLGateFinal,
		"context":         data,
	}
}

func (n *hitlGateFinalNode) Run(_ context.Context, state State) graph.NodeResult[State] {
	decision := state.Decision
	if decision == "" {
		decision = "approved"
	}
	if decision == "rejected" {
		reason := state.Comment
		if reason == "" {
			reason = "rejected at final review"
		}
		return graph.NodeResult[State]{
			Delta: State{
				Decision:      decision,
				FinalResponse: "Architecture rejected: " + reason,
			},
			Route: graph.Stop(),
		}
	}
	return graph.NodeResult[State]{Delta: State{Decision: decision}}
}

// codegenNode asks the model for an implementation manifest and records it
// as an artifact; producing the files themselves is the code generation
// collaborator's job.
type codegenNode struct {
	deps Deps
}

func (n *codegenNode) Policy() graph.NodePolicy { return llmPolicy() }

func (n *codegenNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	var bundle CodeBundle
	err := invokeJSON(ctx, n.deps, NodeCodegen,
		`You plan implementation assets for an MLOps architecture. Reply with JSON:
{"summary": "...", "files": {"<path>": "<sha256 of intended content>"}}`,
		describePlan(state.Plan), &bundle)
	if err != nil {
		return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodeCodegen, Cause: err}}
	}

	return graph.NodeResult[State]{
		Delta: State{Code: &bundle},
		Cards: []graph.ReasonCard{{
			Agent:      "codegen",
			Node:       NodeCodegen,
			Trigger:    "approved_plan",
			Reasoning:  bundle.Summary,
			Decision:   fmt.Sprintf("manifest of %d files", len(bundle.Files)),
			Confidence: 0.75,
			Outputs:    map[string]any{"files": len(bundle.Files)},
			Category:   "generation",
			Priority:   "medium",
		}},
	}
}

// validatorsNode cross-checks the generated manifest against the plan; no
// external calls.
type validatorsNode struct{}

func (n *validatorsNode) Run(_ context.Context, state State) graph.NodeResult[State] {
	var issues []string
	if state.Code == nil || len(state.Code.Files) == 0 {
		issues = append(issues, "code manifest is empty")
	}
	if state.Plan == nil {
		issues = append(issues, "no plan to validate against")
	}
	if state.Policy != nil && !state.Policy.Passed {
		issues = append(issues, "policy violations were not resolved")
	}

	report := &ValidationReport{Passed: len(issues) == 0, Issues: issues}
	return graph.NodeResult[State]{
		Delta: State{Validation: report},
		Cards: []graph.ReasonCard{{
			Agent:      "validators",
			Node:       NodeValidators,
			Trigger:    "manifest",
			Reasoning:  fmt.Sprintf("%d issues found", len(issues)),
			Decision:   map[bool]string{true: "validated", false: "issues recorded"}[report.Passed],
			Confidence: 1.0,
			Outputs:    map[string]any{"passed": report.Passed},
			Category:   "validation",
			Priority:   "high",
		}},
	}
}

// rationaleCompileNode produces the human-readable rationale for the
// decision set.
type rationaleCompileNode struct {
	deps Deps
}

func (n *rationaleCompileNode) Policy() graph.NodePolicy { return llmPolicy() }

func (n *rationaleCompileNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	user := describePlan(state.Plan)
	if state.TechReview != nil {
		user += "\n\nTechnical review: " + state.TechReview.Summary
	}
	if state.CostReview != nil {
		user += "\nCost review: " + state.CostReview.Summary
	}

	rationale, err := invokeText(ctx, n.deps, NodeRationaleCompile,
		"Write a concise rationale for the architecture decisions below, citing the reviews.", user)
	if err != nil {
		return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodeRationaleCompile, Cause: err}}
	}
	return graph.NodeResult[State]{Delta: State{Rationale: rationale}}
}

// diffAndPersistNode records the final artifacts and composes the final
// response. Terminal.
type diffAndPersistNode struct {
	deps Deps
}

func (n *diffAndPersistNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	workflowID, _ := ctx.Value(graph.RunIDKey).(string)

	if n.deps.Artifacts != nil && workflowID != "" {
		artifact := &store.ArtifactRecord{
			WorkflowID:  workflowID,
			Kind:        "decision_rationale",
			ExternalURI: "inline:rationale",
			ContentHash: hashString(state.Rationale),
			Size:        int64(len(state.Rationale)),
			Metadata:    map[string]any{"components": componentCount(state.Plan)},
		}
		if err := n.deps.Artifacts.Put(ctx, artifact); err != nil {
			return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodeDiffAndPersist, Cause: err}}
		}
		if state.Code != nil {
			manifest := &store.ArtifactRecord{
				WorkflowID:  workflowID,
				Kind:        "code_manifest",
				ExternalURI: "inline:manifest",
				ContentHash: hashString(state.Code.Summary),
				Size:        int64(len(state.Code.Files)),
				Metadata:    map[string]any{"files": len(state.Code.Files)},
			}
			if err := n.deps.Artifacts.Put(ctx, manifest); err != nil {
				return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodeDiffAndPersist, Cause: err}}
			}
		}
	}

	final := state.Rationale
	if final == "" && state.Plan != nil {
		final = state.Plan.Summary
	}
	return graph.NodeResult[State]{
		Delta: State{Persisted: true, FinalResponse: final},
		Route: graph.Stop(),
	}
}

// callLLMNode is the thin pipeline: one chat call, then terminal.
type callLLMNode struct {
	deps Deps
}

func (n *callLLMNode) Policy() graph.NodePolicy { return llmPolicy() }

func (n *callLLMNode) Run(ctx context.Context, state State) graph.NodeResult[State] {
	text, err := invokeText(ctx, n.deps, NodeCallLLM,
		"You are an MLOps assistant.", state.Prompt)
	if err != nil {
		return graph.NodeResult[State]{Err: &graph.NodeError{Message: err.Error(), NodeID: NodeCallLLM, Cause: err}}
	}
	return graph.NodeResult[State]{
		Delta: State{FinalResponse: text},
		Route: graph.Stop(),
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func describePlan(plan *ArchitecturePlan) string {
	if plan == nil {
		return "No plan available."
	}
	out := "Plan: " + plan.Summary
	for _, c := range plan.Components {
		out += fmt.Sprintf("\n- %s (%s): %s", c.Name, c.Technology, c.Purpose)
	}
	return out
}

func componentCount(plan *ArchitecturePlan) int {
	if plan == nil {
		return 0
	}
	return len(plan.Components)
}
