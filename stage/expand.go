package stage

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/c360studio/conveyor/model"
)

// Expand materializes a stage's tasks and synthetic children from its
// builder. It runs when StartStage first sees the stage, and again after
// RestartStage has cleared the stage's tasks and children; the expanded form
// is persisted so redeliveries see the same shape.
//
// Expand is idempotent: tasks are built only when the stage has none, and
// synthetic children only when it has none.
func Expand(reg *Registry, exec *model.PipelineExecution, s *model.StageExecution) error {
	b, ok := reg.Resolve(s.Type)
	if !ok {
		return fmt.Errorf("no builder registered for stage type %q", s.Type)
	}

	if len(s.Tasks) == 0 {
		s.Tasks = buildTasks(b.TaskGraph(s))
	}

	if len(s.AllChildren()) > 0 {
		return nil
	}

	if bs, ok := b.(BeforeStager); ok {
		expandChildren(exec, s, bs.BeforeStages(s), model.SyntheticOwnerBefore)
	}
	if as, ok := b.(AfterStager); ok {
		expandChildren(exec, s, as.AfterStages(s), model.SyntheticOwnerAfter)
	}
	return nil
}

func buildTasks(defs []TaskDef) []*model.TaskExecution {
	tasks := make([]*model.TaskExecution, len(defs))
	for i, def := range defs {
		tasks[i] = &model.TaskExecution{
			ID:               strconv.Itoa(i + 1),
			Name:             def.Name,
			ImplementingType: def.ImplementingType,
			Status:           model.StatusNotStarted,
			LoopStart:        def.LoopStart,
			StageEnd:         i == len(defs)-1,
		}
	}
	return tasks
}

// expandChildren inserts one synthetic child per Def. Child refIds derive
// from the parent's ("<ref><n" before, "<ref>>n" after); requisites wire
// children to each other within the block by Def index.
func expandChildren(exec *model.PipelineExecution, parent *model.StageExecution, defs []Def, owner model.SyntheticOwner) {
	if len(defs) == 0 {
		return
	}

	sep := "<"
	if owner == model.SyntheticOwnerAfter {
		sep = ">"
	}

	refs := make([]string, len(defs))
	for i := range defs {
		refs[i] = fmt.Sprintf("%s%s%d", parent.RefID, sep, i+1)
	}

	build := func(i int) *model.StageExecution {
		def := defs[i]
		var requisites []string
		for _, dep := range def.Requisites {
			if dep >= 0 && dep < len(refs) && dep != i {
				requisites = append(requisites, refs[dep])
			}
		}
		return &model.StageExecution{
			ID:                   uuid.New().String(),
			RefID:                refs[i],
			Type:                 def.Type,
			Name:                 def.Name,
			Status:               model.StatusNotStarted,
			Context:              def.Context,
			RequisiteStageRefIDs: requisites,
			ParentStageID:        parent.ID,
			SyntheticStageOwner:  owner,
		}
	}

	if owner == model.SyntheticOwnerBefore {
		// Each insert lands directly before the parent, so iterating in
		// order keeps definition order.
		for i := range defs {
			exec.AddStageBefore(parent, build(i))
		}
		return
	}
	// Each insert lands directly after the parent; iterate in reverse so
	// the block reads in definition order.
	for i := len(defs) - 1; i >= 0; i-- {
		exec.AddStageAfter(parent, build(i))
	}
}

// BlockRoots returns the children of a block with no requisites among their
// siblings: the stages StartStage kicks off first.
func BlockRoots(children []*model.StageExecution) []*model.StageExecution {
	siblingRefs := make(map[string]bool, len(children))
	for _, c := range children {
		siblingRefs[c.RefID] = true
	}
	var roots []*model.StageExecution
	for _, c := range children {
		blocked := false
		for _, req := range c.RequisiteStageRefIDs {
			if siblingRefs[req] {
				blocked = true
				break
			}
		}
		if !blocked {
			roots = append(roots, c)
		}
	}
	return roots
}

// BlockDownstream returns the siblings that list the given child as a
// requisite.
func BlockDownstream(children []*model.StageExecution, of *model.StageExecution) []*model.StageExecution {
	var downstream []*model.StageExecution
	for _, c := range children {
		for _, req := range c.RequisiteStageRefIDs {
			if req == of.RefID {
				downstream = append(downstream, c)
				break
			}
		}
	}
	return downstream
}
