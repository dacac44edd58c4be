package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/awantoch/beemflow/model"
)

// DAG is the precomputed dependency graph for one scope (top-level, a
// foreach "do", or a parallel block's "steps"), per spec §4.2.
type DAG struct {
	StepByID map[string]*model.Step
	edges    map[string][]string // id -> ids it depends on
	// Layers is the topological layer assignment: Layers[i] holds the ids
	// eligible to start once every step named in Layers[0..i-1] is terminal.
	Layers [][]string
}

var outputRefRe = regexp.MustCompile(`outputs\.([A-Za-z_][A-Za-z0-9_]*)`)

// BuildDAG validates and builds the dependency graph for a single scope's
// steps. Edges come from explicit `depends_on` plus implicit edges
// discovered by scanning `with`/`if` values for "outputs.<id>" references
// to a scope sibling (spec §9: "Output-reference edges discovered via
// template parsing should be added to the graph and re-checked").
func BuildDAG(steps []model.Step) (*DAG, error) {
	d := &DAG{
		StepByID: make(map[string]*model.Step, len(steps)),
		edges:    make(map[string][]string, len(steps)),
	}
	for i := range steps {
		s := &steps[i]
		if _, dup := d.StepByID[s.ID]; dup {
			return nil, model.ValidationError(s.ID, "duplicate step id %q in scope", s.ID)
		}
		d.StepByID[s.ID] = s
	}
	for i := range steps {
		s := &steps[i]
		seen := map[string]bool{}
		for _, dep := range s.DependsOn {
			if _, ok := d.StepByID[dep]; !ok {
				return nil, model.ValidationError(s.ID, "depends_on references unknown sibling %q", dep)
			}
			if !seen[dep] {
				d.edges[s.ID] = append(d.edges[s.ID], dep)
				seen[dep] = true
			}
		}
		for _, ref := range outputRefs(s) {
			if _, ok := d.StepByID[ref]; !ok || ref == s.ID {
				continue
			}
			if !seen[ref] {
				d.edges[s.ID] = append(d.edges[s.ID], ref)
				seen[ref] = true
			}
		}
	}
	if cyc := findCycle(d); cyc != nil {
		return nil, model.ValidationError("", "circular depends_on: [%s]", strings.Join(cyc, " → "))
	}
	d.Layers = topoLayers(d)
	return d, nil
}

// outputRefs scans a step's templated fields for "outputs.<id>" references.
func outputRefs(s *model.Step) []string {
	var refs []string
	scan := func(v string) {
		for _, m := range outputRefRe.FindAllStringSubmatch(v, -1) {
			refs = append(refs, m[1])
		}
	}
	scan(s.If)
	for _, v := range s.With {
		if str, ok := v.(string); ok {
			scan(str)
		}
	}
	if s.AwaitEvent != nil {
		for _, v := range s.AwaitEvent.Match {
			if str, ok := v.(string); ok {
				scan(str)
			}
		}
	}
	if s.Wait != nil {
		scan(s.Wait.Until)
	}
	scan(s.Foreach)
	return refs
}

// findCycle runs DFS cycle detection; on a cycle it returns the path
// a -> b -> ... -> a in discovery order.
func findCycle(d *DAG) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.StepByID))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range d.edges[id] {
			switch color[dep] {
			case gray:
				// found the back-edge; extract the cycle from path
				start := indexOf(path, dep)
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ids := sortedIDs(d.StepByID)
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return 0
}

func sortedIDs(m map[string]*model.Step) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	// deterministic order keeps cycle-path reporting stable across runs
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// topoLayers assigns each step to the earliest layer at which all of its
// dependencies are satisfied (Kahn's algorithm, batched by layer).
func topoLayers(d *DAG) [][]string {
	remaining := make(map[string][]string, len(d.edges))
	for id := range d.StepByID {
		remaining[id] = append([]string{}, d.edges[id]...)
	}
	var layers [][]string
	done := map[string]bool{}
	for len(done) < len(d.StepByID) {
		var layer []string
		for _, id := range sortedIDs(d.StepByID) {
			if done[id] {
				continue
			}
			ready := true
			for _, dep := range remaining[id] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// a cycle would have been caught by findCycle already; this
			// only guards against programmer error in the edge-building
			// above.
			break
		}
		for _, id := range layer {
			done[id] = true
		}
		layers = append(layers, layer)
	}
	return layers
}

// Validate additionally reports the cycle-free guarantee as an error
// value usable directly from the parser.
func (d *DAG) Validate() error {
	if cyc := findCycle(d); cyc != nil {
		return fmt.Errorf("circular depends_on: [%s]", strings.Join(cyc, " → "))
	}
	return nil
}

// Mermaid renders the DAG as a Mermaid flowchart: one node per step plus
// one edge per dependency (explicit depends_on and implicit output
// references alike, since both already live in d.edges).
func (d *DAG) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, id := range sortedIDs(d.StepByID) {
		b.WriteString("    " + id + "\n")
	}
	for _, id := range sortedIDs(d.StepByID) {
		for _, dep := range d.edges[id] {
			b.WriteString("    " + dep + " --> " + id + "\n")
		}
	}
	return b.String()
}
