package planner

import (
	"fmt"
	"strconv"
)

// Status is the execution state of a plan node.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// Node is one goal or step in the plan tree.
type Node struct {
	ID               string         `json:"id"`
	ParentID         string         `json:"parent_id,omitempty"`
	Description      string         `json:"description"`
	Capability       string         `json:"capability,omitempty"`
	Args             map[string]any `json:"args"`
	Generative       bool           `json:"generative,omitempty"`
	AbstractionScore float64        `json:"abstraction_score"`
	Preconditions    []string       `json:"preconditions,omitempty"`
	Effects          []string       `json:"effects,omitempty"`
	Status           Status         `json:"status"`
	Children         []string       `json:"children,omitempty"`
	Attempts         int            `json:"attempts,omitempty"`
	Output           string         `json:"output,omitempty"`
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// FullyPlanned reports whether the node can run as is. Capability nodes need
// their arguments; nil Args means they are still to be generated.
func (n *Node) FullyPlanned() bool {
	return n.Capability == "" || n.Args != nil
}

func (n *Node) clone() *Node {
	c := *n
	c.Args = cloneArgs(n.Args)
	c.Preconditions = append([]string(nil), n.Preconditions...)
	c.Effects = append([]string(nil), n.Effects...)
	c.Children = append([]string(nil), n.Children...)
	return &c
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	c := make(map[string]any, len(args))
	for k, v := range args {
		c[k] = v
	}
	return c
}

// Tree is an arena of nodes addressed by ID. IDs are assigned from a
// counter (n1, n2, ...) so the same sequence of operations always yields
// the same IDs.
type Tree struct {
	RootID  string           `json:"root_id"`
	Nodes   map[string]*Node `json:"nodes"`
	NextID  int              `json:"next_id"`
	Replans int              `json:"replans"`
	Facts   []string         `json:"facts,omitempty"`
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{Nodes: make(map[string]*Node), NextID: 1}
}

// Empty reports whether the tree has no root yet.
func (t *Tree) Empty() bool {
	return t == nil || t.RootID == ""
}

// Node returns the node with id.
func (t *Tree) Node(id string) (*Node, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

// Root returns the root node or nil.
func (t *Tree) Root() *Node {
	if t.Empty() {
		return nil
	}
	return t.Nodes[t.RootID]
}

// Clone returns a deep copy.
func (t *Tree) Clone() *Tree {
	if t == nil {
		return NewTree()
	}
	c := &Tree{
		RootID:  t.RootID,
		Nodes:   make(map[string]*Node, len(t.Nodes)),
		NextID:  t.NextID,
		Replans: t.Replans,
		Facts:   append([]string(nil), t.Facts...),
	}
	if c.NextID < 1 {
		c.NextID = 1
	}
	for id, n := range t.Nodes {
		c.Nodes[id] = n.clone()
	}
	return c
}

// Add inserts n under parentID (or as the root when parentID is empty) and
// returns the stored node. The node's ID, ParentID and Children are assigned
// here; a pending status is the default.
func (t *Tree) Add(parentID string, n Node) (*Node, error) {
	if t.Nodes == nil {
		t.Nodes = make(map[string]*Node)
	}
	if t.NextID < 1 {
		t.NextID = 1
	}

	var parent *Node
	if parentID == "" {
		if t.RootID != "" {
			return nil, fmt.Errorf("tree already has root %s", t.RootID)
		}
	} else {
		p, ok := t.Nodes[parentID]
		if !ok {
			return nil, fmt.Errorf("parent node not found: %s", parentID)
		}
		parent = p
	}

	n.ID = "n" + strconv.Itoa(t.NextID)
	t.NextID++
	n.ParentID = parentID
	n.Children = nil
	if n.Status == "" {
		n.Status = StatusPending
	}

	stored := &n
	t.Nodes[n.ID] = stored
	if parent == nil {
		t.RootID = n.ID
	} else {
		parent.Children = append(parent.Children, n.ID)
	}
	return stored, nil
}

// Walk visits nodes in pre-order starting at the root. Returning false from
// fn stops the walk.
func (t *Tree) Walk(fn func(*Node) bool) {
	if t.Empty() {
		return
	}
	t.walk(t.RootID, fn)
}

// WalkFrom is Walk over the subtree rooted at id.
func (t *Tree) WalkFrom(id string, fn func(*Node) bool) {
	if _, ok := t.Nodes[id]; !ok {
		return
	}
	t.walk(id, fn)
}

func (t *Tree) walk(id string, fn func(*Node) bool) bool {
	n, ok := t.Nodes[id]
	if !ok {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, child := range n.Children {
		if !t.walk(child, fn) {
			return false
		}
	}
	return true
}

// Leaves returns the leaves in pre-order.
func (t *Tree) Leaves() []*Node {
	var leaves []*Node
	t.Walk(func(n *Node) bool {
		if n.IsLeaf() {
			leaves = append(leaves, n)
		}
		return true
	})
	return leaves
}

// Next returns the leftmost pending leaf in pre-order.
func (t *Tree) Next() (*Node, bool) {
	var next *Node
	t.Walk(func(n *Node) bool {
		if n.IsLeaf() && n.Status == StatusPending {
			next = n
			return false
		}
		return true
	})
	return next, next != nil
}

// Depth returns the number of edges between id and the root.
func (t *Tree) Depth(id string) int {
	depth := 0
	for n, ok := t.Nodes[id]; ok && n.ParentID != ""; n, ok = t.Nodes[n.ParentID] {
		depth++
	}
	return depth
}

// MarkRunning flags a pending leaf as running and rolls the change up.
func (t *Tree) MarkRunning(id string) error {
	n, ok := t.Nodes[id]
	if !ok {
		return fmt.Errorf("node not found: %s", id)
	}
	if n.Status != StatusPending {
		return fmt.Errorf("node %s is %s, not pending", id, n.Status)
	}
	n.Status = StatusRunning
	t.rollup(n.ParentID)
	return nil
}

// finish moves a non-terminal node to status and reports whether it changed.
func (t *Tree) finish(id string, status Status, output string) bool {
	n, ok := t.Nodes[id]
	if !ok || n.Status.Terminal() {
		return false
	}
	n.Status = status
	n.Output = output
	n.Attempts++
	t.rollup(n.ParentID)
	return true
}

// skipPending marks every pending node of the subtree at id as skipped.
func (t *Tree) skipPending(id string) {
	t.WalkFrom(id, func(n *Node) bool {
		if n.Status == StatusPending {
			n.Status = StatusSkipped
		}
		return true
	})
}

// rollup recomputes the status of id and its ancestors from their children.
// A parent with any non-terminal child is pending or running. Otherwise it
// takes the status of its last non-skipped child, so a failed child that was
// superseded by replanned siblings does not fail the parent.
func (t *Tree) rollup(id string) {
	for id != "" {
		n, ok := t.Nodes[id]
		if !ok || n.IsLeaf() {
			return
		}
		n.Status = t.derive(n)
		id = n.ParentID
	}
}

// refresh recomputes the status of every internal node in the subtree at id.
func (t *Tree) refresh(id string) {
	n, ok := t.Nodes[id]
	if !ok || n.IsLeaf() {
		return
	}
	for _, cid := range n.Children {
		t.refresh(cid)
	}
	n.Status = t.derive(n)
}

func (t *Tree) derive(n *Node) Status {
	started := false
	for _, cid := range n.Children {
		child := t.Nodes[cid]
		if !child.Status.Terminal() {
			if started || child.Status == StatusRunning {
				return StatusRunning
			}
			return StatusPending
		}
		started = true
	}

	for i := len(n.Children) - 1; i >= 0; i-- {
		switch status := t.Nodes[n.Children[i]].Status; status {
		case StatusDone, StatusFailed:
			return status
		}
	}
	return StatusSkipped
}

// Validate checks the structural invariants of the tree: every reference
// resolves, parent links agree with child lists, there are no cycles and no
// terminal node has a non-terminal child.
func (t *Tree) Validate() error {
	if t.Empty() {
		return nil
	}
	if _, ok := t.Nodes[t.RootID]; !ok {
		return fmt.Errorf("root node not found: %s", t.RootID)
	}

	for id, n := range t.Nodes {
		if n.ID != id {
			return fmt.Errorf("node %s stored under key %s", n.ID, id)
		}
		if id != t.RootID {
			parent, ok := t.Nodes[n.ParentID]
			if !ok {
				return fmt.Errorf("node %s has non-existent parent: %s", id, n.ParentID)
			}
			if !contains(parent.Children, id) {
				return fmt.Errorf("node %s is not a child of its parent %s", id, n.ParentID)
			}
		}
		seen := make(map[string]bool, len(n.Children))
		for _, cid := range n.Children {
			if seen[cid] {
				return fmt.Errorf("duplicate child %s of node %s", cid, id)
			}
			seen[cid] = true
			child, ok := t.Nodes[cid]
			if !ok {
				return fmt.Errorf("node %s has non-existent child: %s", id, cid)
			}
			if child.ParentID != id {
				return fmt.Errorf("child %s of node %s points to parent %s", cid, id, child.ParentID)
			}
			if (n.Status == StatusDone || n.Status == StatusFailed) && !child.Status.Terminal() {
				return fmt.Errorf("node %s is %s while child %s is %s", id, n.Status, cid, child.Status)
			}
		}
	}

	return t.checkCycles()
}

func (t *Tree) checkCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var hasCycle func(string) bool
	hasCycle = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, cid := range t.Nodes[id].Children {
			if !visited[cid] {
				if hasCycle(cid) {
					return true
				}
			} else if onStack[cid] {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	if hasCycle(t.RootID) {
		return fmt.Errorf("cycle detected below node: %s", t.RootID)
	}
	if len(visited) != len(t.Nodes) {
		return fmt.Errorf("%d nodes unreachable from root", len(t.Nodes)-len(visited))
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
