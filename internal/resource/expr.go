package resource

import (
	"sort"
	"strings"
)

// Verdict is the three-valued outcome of evaluating an expression.
type Verdict string

const (
	// VerdictFalse means the requirement is not met; the job is skipped.
	VerdictFalse Verdict = "false"
	// VerdictTrue means the requirement is met.
	VerdictTrue Verdict = "true"
	// VerdictUndecidable means a referenced resource has not produced
	// records yet, so the answer must wait for bootstrap to finish.
	VerdictUndecidable Verdict = "undecidable"
)

// Expression is a parsed requirement program: one or more lines, each a
// left-to-right boolean combination of field comparisons, with the lines
// implicitly AND-ed together. Expressions are immutable once parsed.
type Expression struct {
	text      string
	lines     []node
	resources []string
}

// Parse compiles an expression string into an immutable tree. Each
// non-blank line of text becomes one implicitly AND-ed clause. A syntax
// problem yields a *MalformedExpressionError.
func Parse(text string) (*Expression, error) {
	expr := &Expression{text: text}
	seen := map[string]bool{}
	offset := 0
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line != "" {
			parser := newParser(text, raw, offset)
			root, err := parser.parseLine()
			if err != nil {
				return nil, err
			}
			expr.lines = append(expr.lines, root)
			collectResources(root, seen)
		}
		offset += len(raw) + 1
	}
	if len(expr.lines) == 0 {
		return nil, malformed(text, 0, "empty expression")
	}
	for id := range seen {
		expr.resources = append(expr.resources, id)
	}
	sort.Strings(expr.resources)
	return expr, nil
}

// Text returns the original expression source.
func (e *Expression) Text() string { return e.text }

// Resources returns the distinct resource ids the expression reads,
// sorted. The resolver uses this to decide which resource jobs must be
// bootstrapped before the expression can settle.
func (e *Expression) Resources() []string {
	out := make([]string, len(e.resources))
	copy(out, e.resources)
	return out
}

// Eval runs the expression against the lookup. Evaluation is existential:
// a line holds if some choice of one record per referenced resource id
// satisfies it. A referenced resource that was produced with zero records
// makes the line false; one the lookup reports as not produced at all
// makes the whole expression undecidable. Eval never fails: malformed
// input was already rejected at Parse time.
func (e *Expression) Eval(lookup Lookup) Verdict {
	verdict := VerdictTrue
	for _, line := range e.lines {
		switch evalLine(line, lookup) {
		case VerdictFalse:
			return VerdictFalse
		case VerdictUndecidable:
			verdict = VerdictUndecidable
		}
	}
	return verdict
}

// EvalAll is a convenience wrapper evaluating against a settled Set.
func (e *Expression) EvalAll(set Set) Verdict {
	return e.Eval(set.Settled())
}

// node is one parsed element of a line.
type node interface{}

// binaryNode folds two sub-nodes with "and" or "or". Lines are built
// left-to-right, so a and b or c parses as (a and b) or c.
type binaryNode struct {
	op    string // "and" | "or"
	left  node
	right node
}

// compareNode is an atomic resource.field OP literal comparison.
type compareNode struct {
	resource string
	field    string
	op       string // "==" | "!=" | "in"
	value    string
	values   []string // populated for "in"
}

func collectResources(n node, seen map[string]bool) {
	switch v := n.(type) {
	case *binaryNode:
		collectResources(v.left, seen)
		collectResources(v.right, seen)
	case *compareNode:
		seen[v.resource] = true
	}
}

// evalLine evaluates one line existentially across the records of its
// referenced resource ids.
func evalLine(root node, lookup Lookup) Verdict {
	ids := map[string]bool{}
	collectResources(root, ids)
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	bindings := make(map[string]Record, len(ordered))
	records := make([][]Record, len(ordered))
	for i, id := range ordered {
		recs, produced := lookup(id)
		if !produced {
			return VerdictUndecidable
		}
		if len(recs) == 0 {
			return VerdictFalse
		}
		records[i] = recs
	}

	var attempt func(depth int) bool
	attempt = func(depth int) bool {
		if depth == len(ordered) {
			return evalBound(root, bindings)
		}
		for _, rec := range records[depth] {
			bindings[ordered[depth]] = rec
			if attempt(depth + 1) {
				return true
			}
		}
		return false
	}
	if attempt(0) {
		return VerdictTrue
	}
	return VerdictFalse
}

// evalBound evaluates a line under a fixed record binding per resource id.
func evalBound(n node, bindings map[string]Record) bool {
	switch v := n.(type) {
	case *binaryNode:
		left := evalBound(v.left, bindings)
		if v.op == "and" {
			return left && evalBound(v.right, bindings)
		}
		return left || evalBound(v.right, bindings)
	case *compareNode:
		actual, ok := bindings[v.resource].Get(v.field)
		if !ok {
			return false
		}
		// Comparisons are plain string comparisons; numeric callers must
		// quote accordingly. Preserved legacy behavior.
		switch v.op {
		case "==":
			return actual == v.value
		case "!=":
			return actual != v.value
		case "in":
			for _, candidate := range v.values {
				if actual == candidate {
					return true
				}
			}
			return false
		}
	}
	return false
}
