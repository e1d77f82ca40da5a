package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopNode(ctx context.Context, s int) (NodeResult, error) {
	return NodeResult{}, nil
}

func TestValidateRejectsMissingEntry(t *testing.T) {
	g := New[int]().AddNode("a", noopNode)
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry")
}

func TestValidateRejectsDuplicateNode(t *testing.T) {
	g := New[int]().
		AddNode("a", noopNode).
		AddNode("a", noopNode).
		Entry("a")
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node")
}

func TestValidateRejectsDuplicateEdge(t *testing.T) {
	g := New[int]().
		AddNode("a", noopNode).
		AddNode("b", noopNode).
		Entry("a").
		Edge("a", "b").
		Edge("a", "b")
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate edge")
}

func TestValidateRejectsDanglingTarget(t *testing.T) {
	g := New[int]().
		AddNode("a", noopNode).
		Entry("a").
		Edge("a", "ghost")
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")
}

func TestValidateRejectsUnreachableNode(t *testing.T) {
	g := New[int]().
		AddNode("a", noopNode).
		AddNode("b", noopNode).
		AddNode("island", noopNode).
		Entry("a").
		Edge("a", "b")
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "island")
}

func TestValidateAcceptsFanOutWorkers(t *testing.T) {
	g := New[int]().
		AddNode("a", noopNode).
		AddNode("worker", noopNode).
		AddNode("join", noopNode).
		Entry("a").
		FanOutEdge("a", "worker", func(int) []Send { return nil }, "join")
	require.NoError(t, g.Validate())
}

func TestValidateRejectsEmptyConditionalTargets(t *testing.T) {
	g := New[int]().
		AddNode("a", noopNode).
		Entry("a").
		ConditionalEdge("a", func(int) string { return "a" })
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no targets")
}
