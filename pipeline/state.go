// Package pipeline defines the MLOps decision pipeline: the typed state
// threaded through the graph, the node implementations, and the thin and
// full graph variants.
package pipeline

import "github.com/dshills/agentflow-go/model"

// Question is one clarifying question presented at the input gate.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Component is one element of a proposed architecture.
type Component struct {
	Name      string `json:"name"`
	Purpose   string `json:"purpose"`
	Technology string `json:"technology,omitempty"`
}

// ArchitecturePlan is the planner's output.
type ArchitecturePlan struct {
	Summary    string      `json:"summary"`
	Components []Component `json:"components"`
}

// Critique is a critic's structured review of the plan.
type Critique struct {
	Summary  string   `json:"summary"`
	Findings []string `json:"findings,omitempty"`
	Score    float64  `json:"score"`
}

// PolicyResult is the outcome of rule evaluation over the plan and
// critiques.
type PolicyResult struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
}

// CodeBundle is the manifest of generated implementation assets; the file
// bytes themselves live with the external code generation collaborator.
type CodeBundle struct {
	Summary string            `json:"summary"`
	Files   map[string]string `json:"files,omitempty"` // path -> content hash
}

// ValidationReport is the validators' verdict on the generated bundle.
type ValidationReport struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

// State is the workflow state threaded through the graph. Fields are the
// union of node outputs; each node returns a delta with only its own
// fields set and the reducer merges deltas at step boundaries.
type State struct {
	Prompt   string          `json:"prompt"`
	Messages []model.Message `json:"messages,omitempty"`

	// intake_extract
	Requirements map[string]string `json:"requirements,omitempty"`
	Gaps         []string          `json:"gaps,omitempty"`
	Coverage     float64           `json:"coverage,omitempty"`
	IntakeRounds int               `json:"intake_rounds,omitempty"`

	// coverage_check
	CoverageOK bool `json:"coverage_ok,omitempty"`

	// adaptive_questions
	Questions     []Question        `json:"questions,omitempty"`
	SmartDefaults map[string]string `json:"smart_defaults,omitempty"`

	// human gates
	Decision  string            `json:"decision,omitempty"` // approved | rejected
	Comment   string            `json:"comment,omitempty"`
	Responses map[string]string `json:"responses,omitempty"`

	// planner and critics
	Plan       *ArchitecturePlan `json:"plan,omitempty"`
	TechReview *Critique         `json:"tech_review,omitempty"`
	CostReview *Critique         `json:"cost_review,omitempty"`

	// policy_eval
	Policy *PolicyResult `json:"policy,omitempty"`

	// codegen and validators
	Code       *CodeBundle       `json:"code,omitempty"`
	Validation *ValidationReport `json:"validation,omitempty"`

	// rationale_compile and diff_and_persist
	Rationale     string `json:"rationale,omitempty"`
	Persisted     bool   `json:"persisted,omitempty"`
	FinalResponse string `json:"final_response,omitempty"`
}

// Reduce merges a node's delta into the previous state: non-zero delta
// fields overwrite, everything else carries forward. Keeping the merge
// explicit per field keeps nodes loosely coupled.
func Reduce(prev, delta State) State {
	out := prev
	if delta.Prompt != "" {
		out.Prompt = delta.Prompt
	}
	if len(delta.Messages) > 0 {
		out.Messages = delta.Messages
	}
	if delta.Requirements != nil {
		out.Requirements = delta.Requirements
	}
	if delta.Gaps != nil {
		out.Gaps = delta.Gaps
	}
	if delta.Coverage != 0 {
		out.Coverage = delta.Coverage
	}
	if delta.IntakeRounds != 0 {
		out.IntakeRounds = delta.IntakeRounds
	}
	if delta.CoverageOK {
		out.CoverageOK = true
	}
	if delta.Questions != nil {
		out.Questions = delta.Questions
	}
	if delta.SmartDefaults != nil {
		out.SmartDefaults = delta.SmartDefaults
	}
	if delta.Decision != "" {
		out.Decision = delta.Decision
	}
	if delta.Comment != "" {
		out.Comment = delta.Comment
	}
	if delta.Responses != nil {
		out.Responses = delta.Responses
	}
	if delta.Plan != nil {
		out.Plan = delta.Plan
	}
	if delta.TechReview != nil {
		out.TechReview = delta.TechReview
	}
	if delta.CostReview != nil {
		out.CostReview = delta.CostReview
	}
	if delta.Policy != nil {
		out.Policy = delta.Policy
	}
	if delta.Code != nil {
		out.Code = delta.Code
	}
	if delta.Validation != nil {
		out.Validation = delta.Validation
	}
	if delta.Rationale != "" {
		out.Rationale = delta.Rationale
	}
	if delta.Persisted {
		out.Persisted = true
	}
	if delta.FinalResponse != "" {
		out.FinalResponse = delta.FinalResponse
	}
	return out
}

// MergeApproval folds an approval payload into state before the gate node
// runs: the decision, optional comment, and per-question responses.
func MergeApproval(state State, approval map[string]any) State {
	if decision, ok := approval["decision"].(string); ok && decision != "" {
		state.Decision = decision
	}
	if comment, ok := approval["comment"].(string); ok && comment != "" {
		state.Comment = comment
	}
	if raw, ok := approval["responses"].(map[string]any); ok && len(raw) > 0 {
		responses := make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				responses[k] = s
			}
		}
		state.Responses = responses
	}
	return state
}

// wantsMoreContext reports whether the input gate responses ask to loop
// back through intake with the new answers.
func wantsMoreContext(state State) bool {
	switch state.Responses["request_more_context"] {
	case "yes", "true", "1":
		return true
	}
	return false
}
