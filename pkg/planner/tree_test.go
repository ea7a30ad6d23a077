package planner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// buildSample returns root(n1) -> [a(n2) -> [x(n3), y(n4)], b(n5)].
func buildSample(t *testing.T) *Tree {
	t.Helper()
	tree := NewTree()
	root, err := tree.Add("", Node{Description: "root"})
	if err != nil {
		t.Fatalf("Add root failed: %v", err)
	}
	a, _ := tree.Add(root.ID, Node{Description: "a"})
	tree.Add(a.ID, Node{Description: "x", Capability: "sum", Args: map[string]any{"a": 1.0}})
	tree.Add(a.ID, Node{Description: "y", Generative: true})
	tree.Add(root.ID, Node{Description: "b", Generative: true})
	return tree
}

func TestTreeAdd(t *testing.T) {
	tree := buildSample(t)

	if tree.RootID != "n1" {
		t.Errorf("Expected root n1, got %s", tree.RootID)
	}
	if len(tree.Nodes) != 5 {
		t.Fatalf("Expected 5 nodes, got %d", len(tree.Nodes))
	}
	if tree.NextID != 6 {
		t.Errorf("Expected next id 6, got %d", tree.NextID)
	}
	a := tree.Nodes["n2"]
	if len(a.Children) != 2 || a.Children[0] != "n3" || a.Children[1] != "n4" {
		t.Errorf("Unexpected children of n2: %v", a.Children)
	}
	if tree.Nodes["n3"].ParentID != "n2" {
		t.Errorf("Expected n3 parent n2, got %s", tree.Nodes["n3"].ParentID)
	}

	if _, err := tree.Add("", Node{Description: "second root"}); err == nil {
		t.Error("Expected error for second root")
	}
	if _, err := tree.Add("n99", Node{Description: "orphan"}); err == nil {
		t.Error("Expected error for unknown parent")
	}
}

func TestTreeNextIsLeftmostPendingLeaf(t *testing.T) {
	tree := buildSample(t)

	order := []string{}
	for {
		next, ok := tree.Next()
		if !ok {
			break
		}
		order = append(order, next.ID)
		if err := tree.MarkRunning(next.ID); err != nil {
			t.Fatalf("MarkRunning failed: %v", err)
		}
		tree.finish(next.ID, StatusDone, "ok")
	}

	want := []string{"n3", "n4", "n5"}
	if len(order) != len(want) {
		t.Fatalf("Expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected order %v, got %v", want, order)
			break
		}
	}
	if tree.Root().Status != StatusDone {
		t.Errorf("Expected root done, got %s", tree.Root().Status)
	}
}

func TestTreeRollup(t *testing.T) {
	tests := []struct {
		name     string
		leaves   map[string]Status
		wantA    Status
		wantRoot Status
	}{
		{"untouched", map[string]Status{}, StatusPending, StatusPending},
		{"one running", map[string]Status{"n3": StatusRunning}, StatusRunning, StatusRunning},
		{"partial", map[string]Status{"n3": StatusDone}, StatusRunning, StatusRunning},
		{"subtree done", map[string]Status{"n3": StatusDone, "n4": StatusDone}, StatusDone, StatusRunning},
		{"all done", map[string]Status{"n3": StatusDone, "n4": StatusDone, "n5": StatusDone}, StatusDone, StatusDone},
		{"last failed", map[string]Status{"n3": StatusDone, "n4": StatusFailed, "n5": StatusFailed}, StatusFailed, StatusFailed},
		{"failure superseded", map[string]Status{"n3": StatusFailed, "n4": StatusDone, "n5": StatusDone}, StatusDone, StatusDone},
		{"skipped tail", map[string]Status{"n3": StatusDone, "n4": StatusSkipped, "n5": StatusSkipped}, StatusDone, StatusDone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := buildSample(t)
			for _, id := range []string{"n3", "n4", "n5"} {
				status, ok := tt.leaves[id]
				if !ok {
					continue
				}
				if status == StatusRunning {
					if err := tree.MarkRunning(id); err != nil {
						t.Fatalf("MarkRunning failed: %v", err)
					}
					continue
				}
				tree.finish(id, status, "")
			}

			if got := tree.Nodes["n2"].Status; got != tt.wantA {
				t.Errorf("Expected n2 %s, got %s", tt.wantA, got)
			}
			if got := tree.Root().Status; got != tt.wantRoot {
				t.Errorf("Expected root %s, got %s", tt.wantRoot, got)
			}
			if err := tree.Validate(); err != nil {
				t.Errorf("Validate failed: %v", err)
			}
		})
	}
}

func TestTreeFinishIsIdempotent(t *testing.T) {
	tree := buildSample(t)

	if !tree.finish("n3", StatusFailed, "boom") {
		t.Fatal("Expected first finish to apply")
	}
	if tree.finish("n3", StatusDone, "ok") {
		t.Error("Expected second finish to be ignored")
	}
	n := tree.Nodes["n3"]
	if n.Status != StatusFailed || n.Output != "boom" || n.Attempts != 1 {
		t.Errorf("Unexpected node after finish: %+v", n)
	}
}

func TestTreeClone(t *testing.T) {
	tree := buildSample(t)
	c := tree.Clone()

	c.Nodes["n3"].Args["a"] = 2.0
	c.Nodes["n2"].Children = append(c.Nodes["n2"].Children, "n9")
	c.Facts = append(c.Facts, "x")

	if tree.Nodes["n3"].Args["a"] != 1.0 {
		t.Error("Clone shares args with original")
	}
	if len(tree.Nodes["n2"].Children) != 2 {
		t.Error("Clone shares children with original")
	}
	if len(tree.Facts) != 0 {
		t.Error("Clone shares facts with original")
	}
}

func TestTreeValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if err := buildSample(t).Validate(); err != nil {
			t.Errorf("Validate failed: %v", err)
		}
	})

	t.Run("missing child", func(t *testing.T) {
		tree := buildSample(t)
		tree.Nodes["n2"].Children = append(tree.Nodes["n2"].Children, "n42")
		if err := tree.Validate(); err == nil {
			t.Error("Expected error for dangling child")
		}
	})

	t.Run("cycle", func(t *testing.T) {
		tree := buildSample(t)
		tree.Nodes["n3"].Children = []string{"n2"}
		if err := tree.Validate(); err == nil {
			t.Error("Expected error for cycle")
		}
	})

	t.Run("done parent with pending child", func(t *testing.T) {
		tree := buildSample(t)
		tree.Nodes["n2"].Status = StatusDone
		if err := tree.Validate(); err == nil {
			t.Error("Expected error for done parent with pending child")
		}
	})

	t.Run("parent mismatch", func(t *testing.T) {
		tree := buildSample(t)
		tree.Nodes["n5"].ParentID = "n2"
		if err := tree.Validate(); err == nil {
			t.Error("Expected error for parent mismatch")
		}
	})
}

func TestTreeJSONGolden(t *testing.T) {
	tree := buildSample(t)
	tree.finish("n3", StatusDone, "3")
	tree.Facts = []string{"sum is 3"}

	got, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want, err := os.ReadFile(filepath.Join("testdata", "tree.golden.json"))
	if err != nil {
		t.Fatalf("Read golden failed: %v", err)
	}
	if string(got) != string(bytesTrimNewline(want)) {
		t.Errorf("Tree JSON changed:\n%s", got)
	}

	var back Tree
	if err := json.Unmarshal(got, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if err := back.Validate(); err != nil {
		t.Errorf("Validate after round trip failed: %v", err)
	}
	if next, _ := back.Next(); next == nil || next.ID != "n4" {
		t.Errorf("Expected next n4 after round trip, got %v", next)
	}
}

func bytesTrimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
