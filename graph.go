package showrunner

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// NodeSpec configures a single position in a run's graph. A position is
// either a persona node (Handler set) or an approval gate (Gate set), never
// both.
type NodeSpec struct {
	// Name uniquely identifies the position within the graph.
	Name string `json:"name" yaml:"name"`

	// Handler names the registered NodeHandler to invoke.
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`

	// Gate marks this position as a human approval gate with the given gate
	// name.
	Gate string `json:"gate,omitempty" yaml:"gate,omitempty"`

	// Params are passed verbatim to the handler.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Optional nodes are skipped when RequiresKey is absent from the run
	// context at the time the cursor reaches them.
	Optional    bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	RequiresKey string `json:"requires_key,omitempty" yaml:"requires_key,omitempty"`
}

// IsGate reports whether the position is an approval gate.
func (n *NodeSpec) IsGate() bool {
	return n.Gate != ""
}

// GraphOptions are used to configure a graph.
type GraphOptions struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []*NodeSpec `json:"nodes" yaml:"nodes"`
}

// Graph defines the ordered sequence of persona nodes and gates a run steps
// through. Graphs are immutable once constructed.
type Graph struct {
	name        string
	description string
	nodes       []*NodeSpec
	nodesByName map[string]*NodeSpec
}

// NewGraph returns a new Graph configured with the given options.
func NewGraph(opts GraphOptions) (*Graph, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("graph name required")
	}
	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("nodes required")
	}
	nodesByName := make(map[string]*NodeSpec, len(opts.Nodes))
	for _, node := range opts.Nodes {
		if node.Name == "" {
			return nil, fmt.Errorf("node name required")
		}
		if _, exists := nodesByName[node.Name]; exists {
			return nil, fmt.Errorf("duplicate node name: %q", node.Name)
		}
		if node.IsGate() && node.Handler != "" {
			return nil, fmt.Errorf("node %q: gate and handler are mutually exclusive", node.Name)
		}
		if !node.IsGate() && node.Handler == "" {
			return nil, fmt.Errorf("node %q: handler required", node.Name)
		}
		if node.Optional && node.RequiresKey == "" {
			return nil, fmt.Errorf("node %q: optional node requires a requires_key", node.Name)
		}
		nodesByName[node.Name] = node
	}
	return &Graph{
		name:        opts.Name,
		description: opts.Description,
		nodes:       opts.Nodes,
		nodesByName: nodesByName,
	}, nil
}

// Name returns the graph name
func (g *Graph) Name() string {
	return g.name
}

// Description returns the graph description
func (g *Graph) Description() string {
	return g.description
}

// Nodes returns the ordered node specs
func (g *Graph) Nodes() []*NodeSpec {
	return g.nodes
}

// Len returns the number of positions in the graph
func (g *Graph) Len() int {
	return len(g.nodes)
}

// NodeAt returns the node spec at a cursor position
func (g *Graph) NodeAt(cursor int) (*NodeSpec, bool) {
	if cursor < 0 || cursor >= len(g.nodes) {
		return nil, false
	}
	return g.nodes[cursor], true
}

// GetNode returns a node spec by name
func (g *Graph) GetNode(name string) (*NodeSpec, bool) {
	node, ok := g.nodesByName[name]
	return node, ok
}

// NodeNames returns the names of all positions in the graph
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.nodesByName))
	for name := range g.nodesByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadGraphFile loads a graph from a YAML file
func LoadGraphFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	var opts GraphOptions
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph file: %w", err)
	}
	return NewGraph(opts)
}

// LoadGraphString loads a graph from a YAML string
func LoadGraphString(data string) (*Graph, error) {
	var opts GraphOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	return NewGraph(opts)
}
