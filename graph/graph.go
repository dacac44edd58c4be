// Package graph builds the dependency DAG for a flow's steps (spec §4.2),
// detects cycles, assigns topological layers, and renders a flow as a
// Mermaid flowchart for diagnostics/export (SPEC_FULL.md §13).
package graph

import (
	"fmt"
	"strings"

	"github.com/awantoch/beemflow/model"
)

// Node is a vertex in the visualization graph.
type Node struct {
	ID    string
	Label string
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Graph is a directed graph composed of nodes and edges, suitable for
// rendering; it is not itself used for scheduling (see DAG for that).
type Graph struct {
	Nodes []*Node
	Edges []*Edge
}

// Renderer renders a Graph into a specific output format.
type Renderer interface {
	Render(g *Graph) (string, error)
}

// MermaidRenderer outputs Graphs in Mermaid flowchart syntax.
type MermaidRenderer struct{}

// NewGraph creates a visualization Graph for the given Flow, walking into
// parallel blocks and foreach bodies so nested steps still get nodes/edges.
func NewGraph(flow *model.Flow) *Graph {
	g := &Graph{}
	if flow == nil || len(flow.Steps) == 0 {
		return g
	}
	g.processSteps(flow.Steps, "")
	return g
}

func (g *Graph) processSteps(steps []model.Step, parentID string) {
	dag, err := BuildDAG(steps)
	var edgesByID map[string][]string
	if err == nil {
		edgesByID = dag.edges
	}

	for i, step := range steps {
		g.Nodes = append(g.Nodes, &Node{ID: step.ID, Label: nodeLabel(step)})

		if step.IsParallelBlock() && len(step.Steps) > 0 {
			g.processSteps(step.Steps, step.ID)
		}
		if step.IsForeach() && len(step.Do) > 0 {
			g.processSteps(step.Do, step.ID)
		}

		var deps []string
		switch {
		case edgesByID != nil && len(edgesByID[step.ID]) > 0:
			deps = edgesByID[step.ID]
		case parentID != "":
			deps = []string{parentID}
		case i > 0:
			deps = []string{steps[i-1].ID}
		}
		for _, dep := range deps {
			g.Edges = append(g.Edges, &Edge{From: dep, To: step.ID})
		}
	}
}

func nodeLabel(s model.Step) string {
	switch {
	case s.IsParallelBlock():
		return s.ID + " [parallel]"
	case s.IsForeach():
		return s.ID + " [foreach]"
	case s.IsAwaitEvent():
		return s.ID + " [await_event]"
	case s.IsWait():
		return s.ID + " [wait]"
	default:
		return s.ID
	}
}

// Render renders the graph using Mermaid syntax.
func (r *MermaidRenderer) Render(g *Graph) (string, error) {
	if len(g.Nodes) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("graph TD\n")
	for _, node := range g.Nodes {
		sb.WriteString(fmt.Sprintf("%s[%s]\n", node.ID, node.Label))
	}
	for _, edge := range g.Edges {
		if edge.Label != "" {
			sb.WriteString(fmt.Sprintf("%s -->|%s| %s\n", edge.From, edge.Label, edge.To))
		} else {
			sb.WriteString(fmt.Sprintf("%s --> %s\n", edge.From, edge.To))
		}
	}
	return sb.String(), nil
}

// ExportMermaid is a helper to create a Mermaid diagram from a Flow.
func ExportMermaid(flow *model.Flow) (string, error) {
	g := NewGraph(flow)
	renderer := &MermaidRenderer{}
	return renderer.Render(g)
}
