package planner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errNoJSON = errors.New("no JSON object in response")

// goalNode is the node format shared by the decomposition and replanning
// prompts.
type goalNode struct {
	Value                string          `json:"value"`
	AbstractionScore     float64         `json:"abstraction_score"`
	Children             []goalNode      `json:"children"`
	MCPTool              string          `json:"mcp_tool"`
	ToolArgs             json.RawMessage `json:"tool_args"`
	AssumedPreconditions []string        `json:"assumed_preconditions"`
	AssumedEffects       []string        `json:"assumed_effects"`
}

type decomposition struct {
	RootGoal *goalNode `json:"root_goal"`
}

// ExtractJSON returns the outermost JSON object in text, tolerating code
// fences and prose around it.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", errNoJSON
	}
	return text[start : end+1], nil
}

func parseDecomposition(text string) (*goalNode, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}

	var d decomposition
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("failed to parse decomposition: %w", err)
	}
	if d.RootGoal == nil {
		return nil, errors.New("decomposition has no root_goal")
	}
	if err := d.RootGoal.check(); err != nil {
		return nil, err
	}
	return d.RootGoal, nil
}

func (g *goalNode) check() error {
	if strings.TrimSpace(g.Value) == "" {
		return errors.New("goal node value is required")
	}
	if g.AbstractionScore < 0 || g.AbstractionScore > 1 {
		return fmt.Errorf("abstraction_score %v of %q out of range", g.AbstractionScore, g.Value)
	}
	for i := range g.Children {
		if err := g.Children[i].check(); err != nil {
			return err
		}
	}
	return nil
}

// args decodes tool_args. A missing or null value means the arguments are
// generated later.
func (g *goalNode) args() (map[string]any, error) {
	trimmed := bytes.TrimSpace(g.ToolArgs)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, fmt.Errorf("tool_args of %q must be an object: %w", g.Value, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// graft adds g and its descendants under parentID. Leaves naming a tool
// become capability nodes, the other leaves are generative.
func (t *Tree) graft(parentID string, g goalNode) (*Node, error) {
	n := Node{
		Description:      strings.TrimSpace(g.Value),
		AbstractionScore: g.AbstractionScore,
		Preconditions:    g.AssumedPreconditions,
		Effects:          g.AssumedEffects,
	}
	if len(g.Children) == 0 {
		if tool := strings.TrimSpace(g.MCPTool); tool != "" {
			args, err := g.args()
			if err != nil {
				return nil, err
			}
			n.Capability = tool
			n.Args = args
		} else {
			n.Generative = true
		}
	}

	node, err := t.Add(parentID, n)
	if err != nil {
		return nil, err
	}
	for _, child := range g.Children {
		if _, err := t.graft(node.ID, child); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// graftChildren adds the children of g under parentID. A childless g is
// grafted as a single child so the parent always gains at least one node.
func (t *Tree) graftChildren(parentID string, g goalNode) error {
	if len(g.Children) == 0 {
		_, err := t.graft(parentID, g)
		return err
	}
	for _, child := range g.Children {
		if _, err := t.graft(parentID, child); err != nil {
			return err
		}
	}
	return nil
}

// buildTree turns a decomposition into a fresh tree whose root has at least
// one child.
func buildTree(goal string, g goalNode) (*Tree, error) {
	t := NewTree()
	rootDesc := strings.TrimSpace(g.Value)
	if rootDesc == "" {
		rootDesc = goal
	}
	root, err := t.Add("", Node{Description: rootDesc, AbstractionScore: g.AbstractionScore})
	if err != nil {
		return nil, err
	}
	if err := t.graftChildren(root.ID, g); err != nil {
		return nil, err
	}
	return t, nil
}
