package dag

import "testing"

func TestValidate_Acyclic(t *testing.T) {
	nodes := []Node{{GroupID: "a", GroupName: "alpha"}, {GroupID: "b", GroupName: "beta"}, {GroupID: "c", GroupName: "gamma"}}
	edges := []Edge{{Parent: "a", Child: "b"}, {Parent: "b", Child: "c"}}

	g := Build(nodes, edges)
	if err := g.Validate(); err != nil {
		t.Fatalf("expected acyclic graph, got %v", err)
	}
}

func TestValidate_Cycle(t *testing.T) {
	nodes := []Node{{GroupID: "a", GroupName: "alpha"}, {GroupID: "b", GroupName: "beta"}}
	edges := []Edge{{Parent: "a", Child: "b"}, {Parent: "b", Child: "a"}}

	g := Build(nodes, edges)
	err := g.Validate()
	if err == nil {
		t.Fatal("expected cyclic dependency error")
	}
	var cycErr *CyclicDependencyError
	if !errorsAs(err, &cycErr) {
		t.Fatalf("expected *CyclicDependencyError, got %T", err)
	}
	if len(cycErr.Members) != 2 {
		t.Fatalf("expected both members reported, got %v", cycErr.Members)
	}
}

func TestValidate_IgnoresSameGroupEdges(t *testing.T) {
	nodes := []Node{{GroupID: "a", GroupName: "alpha"}}
	edges := []Edge{{Parent: "a", Child: "a"}}

	g := Build(nodes, edges)
	if err := g.Validate(); err != nil {
		t.Fatalf("same-group edges must be ignored, got %v", err)
	}
}

func TestLayout_StableOrdering(t *testing.T) {
	nodes := []Node{
		{GroupID: "z", GroupName: "zed"},
		{GroupID: "a", GroupName: "alpha"},
		{GroupID: "m", GroupName: "mid"},
	}
	edges := []Edge{{Parent: "z", Child: "m"}, {Parent: "a", Child: "m"}}

	g := Build(nodes, edges)
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	layers := g.Layout()
	if len(layers) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(layers))
	}
	if layers[0].Groups[0] != "a" || layers[0].Groups[1] != "z" {
		t.Fatalf("root layer should be alphabetical by name, got %v", layers[0].Groups)
	}
	if len(layers[1].Groups) != 1 || layers[1].Groups[0] != "m" {
		t.Fatalf("expected layer 1 = [m], got %v", layers[1].Groups)
	}
}

func errorsAs(err error, target **CyclicDependencyError) bool {
	e, ok := err.(*CyclicDependencyError)
	if !ok {
		return false
	}
	*target = e
	return true
}
