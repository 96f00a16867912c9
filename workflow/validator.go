// Package workflow implements the module-execution graph validator (C8):
// given a channel's declared sources and the rest of its configuration, it
// either produces a topologically ordered execution plan or rejects the
// configuration with a WorkflowInvalid error naming the problem.
//
// Shaped on karthikraman22-workflow/builder.go's statusGraph.AddTransition
// convention (build a transition graph as configuration is declared, then
// walk it), adapted from a status-transition graph to a product-dependency
// DAG over module Consumes/Produces sets.
package workflow

import (
	"fmt"
	"sort"

	"github.com/hepcloud/decisionengine/module"
)

// Node is one module's position in the validated execution plan.
type Node struct {
	Module module.Module
}

// Plan is the topologically ordered module execution plan for a channel.
type Plan struct {
	Nodes []Node
}

// Error is returned by Validate; it always names the spec's WorkflowInvalid
// condition alongside the specific product or module at fault.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "workflow invalid: " + e.Reason }

// Validate builds and validates the module execution graph.
//
// sourceProducts is the union of product names declared by every source
// worker the caller has already attached to this channel (per §4.7 step 3).
// modules is every transform, logic, and publisher module declared by the
// channel's configuration (sources are represented only via
// sourceProducts, since their execution is driven by the source worker,
// not the channel's task manager).
func Validate(sourceProducts map[string]struct{}, modules []module.Module) (*Plan, error) {
	producedBy := make(map[string]string, len(sourceProducts)+len(modules))
	for p := range sourceProducts {
		producedBy[p] = "<source>"
	}

	for _, m := range modules {
		if m.Kind() == module.KindPublisher && len(m.Produces()) > 0 {
			return nil, &Error{Reason: fmt.Sprintf("publisher %q declares produces %v, which is forbidden", m.ClassID(), keys(m.Produces()))}
		}
		for p := range m.Produces() {
			if existing, dup := producedBy[p]; dup {
				return nil, &Error{Reason: fmt.Sprintf("product %q has more than one producer: %q and %q", p, existing, m.ClassID())}
			}
			producedBy[p] = m.ClassID()
		}
	}

	for _, m := range modules {
		for c := range m.Consumes() {
			if _, ok := producedBy[c]; !ok {
				return nil, &Error{Reason: fmt.Sprintf("module %q consumes unknown product %q", m.ClassID(), c)}
			}
		}
	}

	order, err := topoSort(modules)
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(order))
	for _, m := range order {
		nodes = append(nodes, Node{Module: m})
	}
	return &Plan{Nodes: nodes}, nil
}

// topoSort orders modules so that every module runs after every module
// that produces something it consumes. Ties (equal rank: no dependency
// relationship decides the order) are broken lexicographically by
// ClassID, per §4.8.
func topoSort(modules []module.Module) ([]module.Module, error) {
	byID := make(map[string]module.Module, len(modules))
	producerOf := make(map[string]string, len(modules))
	for _, m := range modules {
		byID[m.ClassID()] = m
		for p := range m.Produces() {
			producerOf[p] = m.ClassID()
		}
	}

	// dependency edges: producer -> consumer
	dependents := make(map[string][]string, len(modules))
	indegree := make(map[string]int, len(modules))
	for _, m := range modules {
		indegree[m.ClassID()] = 0
	}
	for _, m := range modules {
		seen := make(map[string]struct{})
		for c := range m.Consumes() {
			producer, ok := producerOf[c]
			if !ok {
				continue // already a source product, not a module edge
			}
			if producer == m.ClassID() {
				return nil, &Error{Reason: fmt.Sprintf("module %q consumes its own product %q", m.ClassID(), c)}
			}
			if _, dup := seen[producer]; dup {
				continue
			}
			seen[producer] = struct{}{}
			dependents[producer] = append(dependents[producer], m.ClassID())
			indegree[m.ClassID()]++
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(modules) {
		return nil, &Error{Reason: "module graph contains a cycle"}
	}

	out := make([]module.Module, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
