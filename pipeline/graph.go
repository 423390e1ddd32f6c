package pipeline

import (
	"github.com/dshills/agentflow-go/graph"
	"github.com/dshills/agentflow-go/graph/emit"
	"github.com/dshills/agentflow-go/store"
)

// Build assembles the configured pipeline variant on a new engine.
//
// Nodes are registered in pipeline order so the engine's node listing is
// the workflow plan.
func Build(deps Deps, cfg Config, checkpoints store.Checkpoints[State], emitter emit.Emitter, opts graph.Options) (*graph.Engine[State], error) {
	cfg = cfg.Defaults()

	e := graph.New[State](Reduce, checkpoints, emitter, opts)
	e.OnApproval(MergeApproval)

	if cfg.Graph == GraphThin {
		if err := e.Add(NodeCallLLM, &callLLMNode{deps: deps}); err != nil {
			return nil, err
		}
		if err := e.StartAt(NodeCallLLM); err != nil {
			return nil, err
		}
		return e, nil
	}

	nodes := []struct {
		id   string
		node graph.Node[State]
	}{
		{NodeIntakeExtract, &intakeExtractNode{deps: deps}},
		{NodeCoverageCheck, &coverageCheckNode{threshold: cfg.CoverageThreshold}},
		{NodeAdaptiveQuestions, &adaptiveQuestionsNode{deps: deps}},
		{NodeHITLGateInput, &hitlGateInputNode{cfg: cfg}},
		{NodePlanner, &plannerNode{deps: deps}},
		{NodeCriticTech, &criticTechNode{deps: deps}},
		{NodeCriticCost, &criticCostNode{deps: deps}},
		{NodePolicyEval, &policyEvalNode{}},
		{NodeHITLGateFinal, &hitlGateFinalNode{cfg: cfg}},
		{NodeCodegen, &codegenNode{deps: deps}},
		{NodeValidators, &validatorsNode{}},
		{NodeRationaleCompile, &rationaleCompileNode{deps: deps}},
		{NodeDiffAndPersist, &diffAndPersistNode{deps: deps}},
	}
	for _, n := range nodes {
		if err := e.Add(n.id, n.node); err != nil {
			return nil, err
		}
	}

	edges := []struct {
		from, to string
		when     graph.Predicate[State]
	}{
		{NodeIntakeExtract, NodeCoverageCheck, nil},
		// Enough coverage goes straight to planning; otherwise detour
		// through adaptive questions and the input gate.
		{NodeCoverageCheck, NodePlanner, func(s State) bool { return s.CoverageOK }},
		{NodeCoverageCheck, NodeAdaptiveQuestions, nil},
		{NodeAdaptiveQuestions, NodeHITLGateInput, nil},
		// The user may ask for another intake round with the new
		// answers; the gate node bounds the loop.
		{NodeHITLGateInput, NodeIntakeExtract, wantsMoreContext},
		{NodeHITLGateInput, NodePlanner, nil},
		{NodePlanner, NodeCriticTech, nil},
		{NodeCriticTech, NodeCriticCost, nil},
		{NodeCriticCost, NodePolicyEval, nil},
		{NodePolicyEval, NodeHITLGateFinal, nil},
		{NodeHITLGateFinal, NodeCodegen, nil},
		{NodeCodegen, NodeValidators, nil},
		{NodeValidators, NodeRationaleCompile, nil},
		{NodeRationaleCompile, NodeDiffAndPersist, nil},
	}
	for _, edge := range edges {
		if err := e.Connect(edge.from, edge.to, edge.when); err != nil {
			return nil, err
		}
	}

	if !cfg.AutoApproveInput {
		if err := e.InterruptBefore(NodeHITLGateInput, "input"); err != nil {
			return nil, err
		}
	}
	if !cfg.AutoApproveFinal {
		if err := e.InterruptBefore(NodeHITLGateFinal, "final"); err != nil {
			return nil, err
		}
	}

	if err := e.StartAt(NodeIntakeExtract); err != nil {
		return nil, err
	}
	return e, nil
}
