package showrunner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGraphNodeOrder(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "write", Handler: "writer"},
			{Name: "editorial", Gate: "editorial_review"},
			{Name: "publish", Handler: "publisher"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3, graph.Len())
	require.Equal(t, []string{"editorial", "publish", "write"}, graph.NodeNames())

	node, ok := graph.NodeAt(1)
	require.True(t, ok)
	require.Equal(t, "editorial", node.Name)
	require.True(t, node.IsGate())

	_, ok = graph.NodeAt(3)
	require.False(t, ok)
	_, ok = graph.NodeAt(-1)
	require.False(t, ok)

	byName, ok := graph.GetNode("publish")
	require.True(t, ok)
	require.Equal(t, "publisher", byName.Handler)
}

func TestInvalidGraphs(t *testing.T) {
	t.Run("empty graph", func(t *testing.T) {
		_, err := NewGraph(GraphOptions{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "graph name required")
	})

	t.Run("no nodes", func(t *testing.T) {
		_, err := NewGraph(GraphOptions{Name: "episode"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "nodes required")
	})

	t.Run("empty node name", func(t *testing.T) {
		_, err := NewGraph(GraphOptions{
			Name:  "episode",
			Nodes: []*NodeSpec{{Handler: "writer"}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "node name required")
	})

	t.Run("duplicate node name", func(t *testing.T) {
		_, err := NewGraph(GraphOptions{
			Name: "episode",
			Nodes: []*NodeSpec{
				{Name: "write", Handler: "writer"},
				{Name: "write", Handler: "writer"},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate node name")
	})

	t.Run("gate with handler", func(t *testing.T) {
		_, err := NewGraph(GraphOptions{
			Name:  "episode",
			Nodes: []*NodeSpec{{Name: "x", Handler: "writer", Gate: "review"}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "mutually exclusive")
	})

	t.Run("neither gate nor handler", func(t *testing.T) {
		_, err := NewGraph(GraphOptions{
			Name:  "episode",
			Nodes: []*NodeSpec{{Name: "x"}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "handler required")
	})

	t.Run("optional without requires_key", func(t *testing.T) {
		_, err := NewGraph(GraphOptions{
			Name:  "episode",
			Nodes: []*NodeSpec{{Name: "x", Handler: "writer", Optional: true}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "requires_key")
	})
}

func TestLoadGraphString(t *testing.T) {
	graph, err := LoadGraphString(`
name: episode
description: one episode end to end
nodes:
  - name: write
    handler: writer
    params:
      style: noir
  - name: editorial
    gate: editorial_review
  - name: translate
    handler: translator
    optional: true
    requires_key: language
  - name: publish
    handler: publisher
`)
	require.NoError(t, err)
	require.Equal(t, "episode", graph.Name())
	require.Equal(t, "one episode end to end", graph.Description())
	require.Equal(t, 4, graph.Len())

	write, ok := graph.GetNode("write")
	require.True(t, ok)
	require.Equal(t, "noir", write.Params["style"])

	translate, ok := graph.GetNode("translate")
	require.True(t, ok)
	require.True(t, translate.Optional)
	require.Equal(t, "language", translate.RequiresKey)
}

func TestLoadGraphFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "episode.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: episode
nodes:
  - name: write
    handler: writer
`), 0o644))

	graph, err := LoadGraphFile(path)
	require.NoError(t, err)
	require.Equal(t, "episode", graph.Name())

	_, err = LoadGraphFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
