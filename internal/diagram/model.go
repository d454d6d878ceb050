// Package diagram renders workflow definitions as Mermaid flowcharts, with
// an optional overlay of an instance's progress.
package diagram

import "github.com/bizportal/flowd/pkg/schema"

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindApproval     NodeKind = "approval"
	NodeKindNotification NodeKind = "notification"
	NodeKindAction       NodeKind = "action"
	NodeKindCondition    NodeKind = "condition"
	NodeKindDelay        NodeKind = "delay"
	NodeKindIntegration  NodeKind = "integration"
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// Overlay states derived from records and cursors.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusPending   = "pending"
)

// Model is the intermediate representation used by the renderer.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status   string
	Attempts int
	WaitKind schema.WaitKind
	Error    string
}

// Edge is a possible transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
