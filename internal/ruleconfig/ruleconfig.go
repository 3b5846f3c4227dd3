// package ruleconfig resolves workflow definitions into strongly-typed stage
// graphs. Definitions are authored elsewhere; this package is the read-only
// configuration surface consumed by the rule engine.
package ruleconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/sentinel-ops/platform/internal/model"
)

// ErrNotFound is returned when no workflow or active version matches.
var ErrNotFound = errors.New("workflow config not found")

// Node is one stage of a workflow graph, keyed by the event type that
// advances a run into it.
type Node struct {
	NodeKey    string `json:"nodeKey"`
	EventType  string `json:"eventType"`
	IsStart    bool   `json:"isStart"`
	IsTerminal bool   `json:"isTerminal"`
}

// Edge is a stage transition with its timing constraint. MaxLatencySec and
// AbsoluteDeadline are alternatives; AbsoluteDeadline wins when both are set.
type Edge struct {
	FromNodeKey      string         `json:"fromNodeKey"`
	ToNodeKey        string         `json:"toNodeKey"`
	MaxLatencySec    int            `json:"maxLatencySec,omitempty"`
	AbsoluteDeadline string         `json:"absoluteDeadline,omitempty"`
	Optional         bool           `json:"optional"`
	ExpectedCount    int            `json:"expectedCount,omitempty"`
	Severity         model.Severity `json:"severity"`
}

// Version is the immutable published form of a workflow graph.
type Version struct {
	ID          int64  `json:"id"`
	WorkflowID  int64  `json:"workflowId"`
	WorkflowKey string `json:"workflowKey"`
	VersionNum  int    `json:"versionNum"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// NodeForEventType returns the node advanced by the given event type, if any.
func (v *Version) NodeForEventType(eventType string) (Node, bool) {
	for _, n := range v.Nodes {
		if n.EventType == eventType {
			return n, true
		}
	}
	return Node{}, false
}

// OutgoingEdges returns the edges leaving the given node.
func (v *Version) OutgoingEdges(fromNodeKey string) []Edge {
	var out []Edge
	for _, e := range v.Edges {
		if e.FromNodeKey == fromNodeKey {
			out = append(out, e)
		}
	}
	return out
}

// HasOptionalInbound reports whether any inbound edge of the node is optional.
// Such nodes permit "side" arrivals without a fired predecessor, so they are
// exempt from order checking.
func (v *Version) HasOptionalInbound(nodeKey string) bool {
	for _, e := range v.Edges {
		if e.ToNodeKey == nodeKey && e.Optional {
			return true
		}
	}
	return false
}

// Validate checks the structural integrity of a version graph: every edge
// endpoint must reference a declared node and expected counts must be
// positive where set.
func Validate(v *Version) error {
	known := make(map[string]struct{}, len(v.Nodes))
	for _, n := range v.Nodes {
		if n.NodeKey == "" {
			return fmt.Errorf("version %d: node with empty key", v.ID)
		}
		if _, dup := known[n.NodeKey]; dup {
			return fmt.Errorf("version %d: duplicate node key %q", v.ID, n.NodeKey)
		}
		known[n.NodeKey] = struct{}{}
	}
	for _, e := range v.Edges {
		if _, ok := known[e.FromNodeKey]; !ok {
			return fmt.Errorf("version %d: edge references unknown from-node %q", v.ID, e.FromNodeKey)
		}
		if _, ok := known[e.ToNodeKey]; !ok {
			return fmt.Errorf("version %d: edge references unknown to-node %q", v.ID, e.ToNodeKey)
		}
		if e.ExpectedCount < 0 {
			return fmt.Errorf("version %d: edge %s->%s has negative expected count", v.ID, e.FromNodeKey, e.ToNodeKey)
		}
	}
	return nil
}

// Accessor resolves workflow keys and event types to active, validated
// versions.
type Accessor interface {
	// ResolveActiveVersion returns the active version for a workflow key, or
	// ErrNotFound.
	ResolveActiveVersion(ctx context.Context, workflowKey string) (*Version, error)

	// FindActiveVersionsByEventType returns every active version whose graph
	// contains a node matching the event type (fan-out resolution).
	FindActiveVersionsByEventType(ctx context.Context, eventType string) ([]*Version, error)
}
