package compiler

import (
	"strconv"

	"github.com/lyzr/workflowcore/blueprint"
)

// checkSchemasAndIDs implements §4.2 steps 1-2: strict payload schema
// validation, duplicate-id detection, dangling dependency references,
// and self-dependency rejection (Invariant 1 — recursive nodes express
// their cycle through recursive_sources, never through Dependencies).
func checkSchemasAndIDs(nodes []blueprint.NodeSpec) []CompileError {
	var errs []CompileError

	seen := make(map[string]bool, len(nodes))
	byID := make(map[string]blueprint.NodeSpec, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			errs = append(errs, errf("", "node has empty id"))
			continue
		}
		if seen[n.ID] {
			errs = append(errs, errf(n.ID, "duplicate node id"))
			continue
		}
		seen[n.ID] = true
		byID[n.ID] = n
	}

	for _, n := range nodes {
		if !n.Kind.IsValid() {
			errs = append(errs, errf(n.ID, "unknown node kind %q", n.Kind))
			continue
		}
		if err := blueprint.ValidatePayload(n.Kind, n.Payload); err != nil {
			errs = append(errs, errf(n.ID, "payload schema validation failed: %v", err))
		}

		for _, dep := range n.Dependencies {
			if dep == n.ID {
				errs = append(errs, errf(n.ID, "self-dependency is not allowed outside recursive_sources"))
				continue
			}
			if !seen[dep] {
				errs = append(errs, errf(n.ID, "dependency references non-existent node %q", dep))
			}
		}

		errs = append(errs, checkReferencedIDs(n, seen)...)
	}

	return errs
}

// checkReferencedIDs validates that every node id referenced inside a
// kind-specific payload (true_branch/false_branch, body_nodes, branches,
// recursive_sources) exists in the blueprint.
func checkReferencedIDs(n blueprint.NodeSpec, known map[string]bool) []CompileError {
	var errs []CompileError
	exists := func(field string, ids []string) {
		for _, id := range ids {
			if !known[id] {
				errs = append(errs, errPath(n.ID, field, "references non-existent node %q", id))
			}
		}
	}

	switch n.Kind {
	case blueprint.KindCondition:
		var p blueprint.ConditionPayload
		if err := n.DecodePayload(&p); err == nil {
			exists("true_branch", p.TrueBranch)
			exists("false_branch", p.FalseBranch)
		}
	case blueprint.KindLoop:
		var p blueprint.LoopPayload
		if err := n.DecodePayload(&p); err == nil {
			exists("body_nodes", p.BodyNodes)
		}
	case blueprint.KindParallel:
		var p blueprint.ParallelPayload
		if err := n.DecodePayload(&p); err == nil {
			for i, branch := range p.Branches {
				exists(branchField(i), branch)
			}
		}
	case blueprint.KindRecursive:
		var p blueprint.RecursivePayload
		if err := n.DecodePayload(&p); err == nil {
			for _, src := range p.RecursiveSources {
				if src != n.ID && !known[src] {
					errs = append(errs, errPath(n.ID, "recursive_sources", "references non-existent node %q", src))
				}
			}
		}
	}
	return errs
}

func branchField(i int) string {
	return "branches[" + strconv.Itoa(i) + "]"
}

// normalizePolicy applies §4.2 step 6's defaults over whatever the
// NodeSpec declared.
func normalizePolicy(n blueprint.NodeSpec) Policy {
	p := DefaultPolicy()
	if n.TimeoutMS > 0 {
		p.TimeoutMS = n.TimeoutMS
	}
	if rp := n.RetryPolicy; rp != nil {
		if rp.MaxAttempts > 0 {
			p.MaxAttempts = rp.MaxAttempts
		}
		if rp.BackoffBaseMS > 0 {
			p.BackoffBaseMS = rp.BackoffBaseMS
		}
		if rp.BackoffFactor > 0 {
			p.BackoffFactor = rp.BackoffFactor
		}
		if len(rp.RetryOn) > 0 {
			p.RetryOn = rp.RetryOn
		}
	}
	return p
}
