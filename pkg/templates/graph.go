package templates

import (
	"errors"
	"fmt"
	"slices"

	"github.com/absamo/triven-workflow/pkg/models"
)

// End is the successor index of the last node.
const End = -1

// Edge is a conditional branch to another node.
type Edge struct {
	Conditions models.ConditionSet
	Target     int
}

// Node is one step in the compiled graph. Indices refer to Graph.Nodes.
type Node struct {
	Index int
	Step  models.WorkflowStepDefinition
	// Next is the node activated once this node (or its parallel group) advances.
	Next int
	// Group is the parallel group id, -1 for sequential nodes.
	Group    int
	Branches []Edge
	// Default is the branch taken when no edge matches; Next when unset.
	Default int
}

// Graph is a template's steps as an arena of nodes with explicit successors.
// Branch edges only point forward so the graph is acyclic.
type Graph struct {
	Nodes    []Node
	Groups   [][]int
	byNumber map[int]int
}

// Compile orders steps by number, forms parallel groups from consecutive
// parallel steps and resolves branch targets.
func Compile(steps []models.WorkflowStepDefinition) (*Graph, error) {
	if len(steps) == 0 {
		return nil, errors.New("template has no steps")
	}

	ordered := slices.Clone(steps)
	slices.SortStableFunc(ordered, func(a, b models.WorkflowStepDefinition) int { return a.StepNumber - b.StepNumber })

	g := &Graph{Nodes: make([]Node, len(ordered)), byNumber: make(map[int]int, len(ordered))}

	for i, step := range ordered {
		if _, dup := g.byNumber[step.StepNumber]; dup {
			return nil, fmt.Errorf("duplicate step number %d", step.StepNumber)
		}

		g.byNumber[step.StepNumber] = i
		g.Nodes[i] = Node{Index: i, Step: step, Group: -1}
	}

	// parallel groups are maximal runs of consecutive parallel steps
	for i := 0; i < len(g.Nodes); {
		if !g.Nodes[i].Step.IsParallel() {
			g.Nodes[i].Next = successor(i, len(g.Nodes))
			i++

			continue
		}

		j := i
		for j < len(g.Nodes) && g.Nodes[j].Step.IsParallel() {
			j++
		}

		id := len(g.Groups)
		members := make([]int, 0, j-i)

		for k := i; k < j; k++ {
			g.Nodes[k].Group = id
			g.Nodes[k].Next = successor(j-1, len(g.Nodes))
			members = append(members, k)
		}

		g.Groups = append(g.Groups, members)
		i = j
	}

	for i := range g.Nodes {
		if err := g.linkBranches(&g.Nodes[i]); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func successor(i, n int) int {
	if i+1 >= n {
		return End
	}

	return i + 1
}

func (g *Graph) linkBranches(n *Node) error {
	n.Default = n.Next

	if n.Step.Type != models.StepConditionalLogic {
		return nil
	}

	for _, rule := range n.Step.Branches {
		target, err := g.target(n, rule.GoTo)
		if err != nil {
			return err
		}

		n.Branches = append(n.Branches, Edge{Conditions: rule.Conditions, Target: target})
	}

	if n.Step.DefaultGoTo != nil {
		target, err := g.target(n, *n.Step.DefaultGoTo)
		if err != nil {
			return err
		}

		n.Default = target
	}

	return nil
}

func (g *Graph) target(from *Node, stepNumber int) (int, error) {
	idx, ok := g.byNumber[stepNumber]
	if !ok {
		return 0, fmt.Errorf("step %d branches to unknown step %d", from.Step.StepNumber, stepNumber)
	}

	if stepNumber <= from.Step.StepNumber {
		return 0, fmt.Errorf("step %d branches backwards to step %d", from.Step.StepNumber, stepNumber)
	}

	if to := g.Nodes[idx]; to.Group >= 0 && g.Groups[to.Group][0] != idx {
		return 0, fmt.Errorf("step %d branches into the middle of a parallel group at step %d", from.Step.StepNumber, stepNumber)
	}

	return idx, nil
}

// First returns the entry node.
func (g *Graph) First() *Node {
	return &g.Nodes[0]
}

// Node returns the node for stepNumber.
func (g *Graph) Node(stepNumber int) (*Node, bool) {
	idx, ok := g.byNumber[stepNumber]
	if !ok {
		return nil, false
	}

	return &g.Nodes[idx], true
}

// At returns the node at index, nil for End.
func (g *Graph) At(index int) *Node {
	if index < 0 || index >= len(g.Nodes) {
		return nil
	}

	return &g.Nodes[index]
}

// Cohort returns every node activated together with n: its parallel group, or n alone.
func (g *Graph) Cohort(n *Node) []*Node {
	if n.Group < 0 {
		return []*Node{n}
	}

	members := g.Groups[n.Group]
	out := make([]*Node, len(members))

	for i, idx := range members {
		out[i] = &g.Nodes[idx]
	}

	return out
}
