package model

import "fmt"

// DownstreamStages returns the top-level stages that list the given stage's
// refId as a requisite, in definition order.
func (e *PipelineExecution) DownstreamStages(of *StageExecution) []*StageExecution {
	var downstream []*StageExecution
	for _, s := range e.TopLevelStages() {
		for _, req := range s.RequisiteStageRefIDs {
			if req == of.RefID {
				downstream = append(downstream, s)
				break
			}
		}
	}
	return downstream
}

// UpstreamStages resolves the given stage's requisite refIds. Unknown refIds
// are ignored; ValidateGraph catches them at submission.
func (e *PipelineExecution) UpstreamStages(of *StageExecution) []*StageExecution {
	var upstream []*StageExecution
	for _, req := range of.RequisiteStageRefIDs {
		if s, ok := e.StageByRef(req); ok {
			upstream = append(upstream, s)
		}
	}
	return upstream
}

// ValidateGraph checks the top-level refId dependency graph: refIds must be
// unique, requisites must resolve, and the graph must be acyclic. Cycle
// detection is Kahn's algorithm over in-degrees.
func (e *PipelineExecution) ValidateGraph() error {
	top := e.TopLevelStages()

	seen := make(map[string]bool, len(top))
	for _, s := range top {
		if s.RefID == "" {
			return fmt.Errorf("stage %s has no refId", s.ID)
		}
		if seen[s.RefID] {
			return fmt.Errorf("duplicate stage refId %q", s.RefID)
		}
		seen[s.RefID] = true
	}

	inDegree := make(map[string]int, len(top))
	dependents := make(map[string][]string, len(top))
	for _, s := range top {
		inDegree[s.RefID] += 0
		for _, req := range s.RequisiteStageRefIDs {
			if !seen[req] {
				return fmt.Errorf("stage %q requires unknown refId %q", s.RefID, req)
			}
			inDegree[s.RefID]++
			dependents[req] = append(dependents[req], s.RefID)
		}
	}

	var queue []string
	for ref, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, ref)
		}
	}

	processed := 0
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[ref] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(top) {
		return fmt.Errorf("circular dependency detected: %d stages could not be ordered", len(top)-processed)
	}
	return nil
}

// AddStageBefore inserts a synthetic child ahead of its parent in the stage
// list, preserving definition order for event consumers.
func (e *PipelineExecution) AddStageBefore(parent *StageExecution, child *StageExecution) {
	child.execution = e
	for i, s := range e.Stages {
		if s.ID == parent.ID {
			e.Stages = append(e.Stages[:i], append([]*StageExecution{child}, e.Stages[i:]...)...)
			return
		}
	}
	e.Stages = append(e.Stages, child)
}

// AddStageAfter inserts a synthetic child directly after its parent.
func (e *PipelineExecution) AddStageAfter(parent *StageExecution, child *StageExecution) {
	child.execution = e
	for i, s := range e.Stages {
		if s.ID == parent.ID {
			rest := append([]*StageExecution{child}, e.Stages[i+1:]...)
			e.Stages = append(e.Stages[:i+1], rest...)
			return
		}
	}
	e.Stages = append(e.Stages, child)
}
