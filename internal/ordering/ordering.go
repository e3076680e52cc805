// Package ordering turns the flat object list into the three execution
// orders: query, delete, and update. Ordering is dependency-driven: a
// topological sort over hard lookup/ownership edges, with a legacy insertion
// heuristic as the fallback for cyclic declarations and a bounded
// stabilization pass for master/detail precedence.
package ordering

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/yourbasic/graph"

	"github.com/datamove-io/datamove/pkg/models"
)

// maxStabilizationIterations bounds the master/detail precedence pass. The
// bound is a circuit breaker, not a termination proof: an object set still
// unstable after this many sweeps has a cyclic ownership declaration and is
// reported as a correctness risk.
const maxStabilizationIterations = 10

// Order holds the three independently derived task orders.
type Order struct {
	Query  []*models.MigrationObject
	Delete []*models.MigrationObject
	Update []*models.MigrationObject
}

// precedenceRule forces one object ahead of another in a finished order.
// These are domain-specific junction-object overrides that dependency edges
// alone cannot express.
type precedenceRule struct {
	Before string
	After  string
}

var queryPrecedence = []precedenceRule{
	{Before: "Product2", After: "PricebookEntry"},
	{Before: "Pricebook2", After: "PricebookEntry"},
}

var updatePrecedence = []precedenceRule{
	{Before: "Product2", After: "PricebookEntry"},
	{Before: "Pricebook2", After: "PricebookEntry"},
}

var deletePrecedence = []precedenceRule{
	{Before: "PricebookEntry", After: "Product2"},
	{Before: "PricebookEntry", After: "Pricebook2"},
}

// BuildOrder derives the three task orders from the finalized object list.
// Excluded objects never appear in any order. Ordering itself never fails;
// unresolvable objects are excluded upstream by the dependency graph.
func BuildOrder(objects []*models.MigrationObject, declaredOrderOnly bool, logger *logrus.Logger) Order {
	included := make([]*models.MigrationObject, 0, len(objects))
	for _, o := range objects {
		if !o.Excluded {
			included = append(included, o)
		}
	}

	var base []*models.MigrationObject
	if declaredOrderOnly {
		base = declaredOrder(included)
	} else {
		base = chain(included, logger)
	}

	var order Order
	order.Query = queryOrder(base, declaredOrderOnly, logger)
	order.Update = updateOrder(included, declaredOrderOnly, logger)
	order.Delete = deleteOrder(included, declaredOrderOnly, logger)
	return order
}

// declaredOrder preserves input order with one exception: record-type
// metadata objects always move to the front.
func declaredOrder(objects []*models.MigrationObject) []*models.MigrationObject {
	out := make([]*models.MigrationObject, 0, len(objects))
	for _, o := range objects {
		if o.IsRecordType() {
			out = append(out, o)
		}
	}
	for _, o := range objects {
		if !o.IsRecordType() {
			out = append(out, o)
		}
	}
	return out
}

// chain builds a dependency-respecting order for one object subset:
// record-type objects first, then ReadOnly reference objects in declared
// order, then writable objects parents-first.
func chain(objects []*models.MigrationObject, logger *logrus.Logger) []*models.MigrationObject {
	var recordTypes, readOnly, rest []*models.MigrationObject
	for _, o := range objects {
		switch {
		case o.IsRecordType():
			recordTypes = append(recordTypes, o)
		case o.IsReadOnly():
			readOnly = append(readOnly, o)
		default:
			rest = append(rest, o)
		}
	}

	ordered, ok := topoSort(rest)
	if !ok {
		logger.Debugf("Dependency cycle among %d objects, falling back to insertion ordering", len(rest))
		ordered = insertionOrder(rest)
	}

	out := make([]*models.MigrationObject, 0, len(objects))
	out = append(out, recordTypes...)
	out = append(out, readOnly...)
	out = append(out, ordered...)
	return stabilize(out, logger)
}

// topoSort orders objects parents-first over hard lookup edges using an
// explicit digraph. Reports ok=false when the edges contain a cycle.
func topoSort(objects []*models.MigrationObject) ([]*models.MigrationObject, bool) {
	if len(objects) == 0 {
		return nil, true
	}
	index := make(map[*models.MigrationObject]int, len(objects))
	for i, o := range objects {
		index[o] = i
	}

	g := graph.New(len(objects))
	for childIdx, child := range objects {
		for _, l := range child.Lookups {
			if l.Parent == nil || l.Parent == child {
				continue
			}
			if parentIdx, in := index[l.Parent]; in {
				g.Add(parentIdx, childIdx)
			}
		}
	}

	order, ok := graph.TopSort(g)
	if !ok {
		return nil, false
	}
	out := make([]*models.MigrationObject, len(order))
	for i, v := range order {
		out[i] = objects[v]
	}
	return out, true
}

// insertionOrder is the legacy heuristic kept for cyclic object sets: place
// objects one at a time, splicing each one immediately before the earliest
// already-placed object that depends on it.
func insertionOrder(objects []*models.MigrationObject) []*models.MigrationObject {
	var placed []*models.MigrationObject
	for _, o := range objects {
		insertAt := len(placed)
		for i := len(placed) - 1; i >= 0; i-- {
			if placed[i].DependsOn(o) {
				insertAt = i
			}
		}
		placed = append(placed, nil)
		copy(placed[insertAt+1:], placed[insertAt:])
		placed[insertAt] = o
	}
	return placed
}

// stabilize repeatedly moves master/detail parents immediately before their
// earliest detail, bounded by maxStabilizationIterations.
func stabilize(objects []*models.MigrationObject, logger *logrus.Logger) []*models.MigrationObject {
	out := append([]*models.MigrationObject{}, objects...)
	for iter := 0; iter < maxStabilizationIterations; iter++ {
		moved := false
		for i := 0; i < len(out); i++ {
			for _, l := range out[i].Lookups {
				if !l.IsMasterDetail || l.Parent == nil || l.Parent == out[i] {
					continue
				}
				pi := indexOf(out, l.Parent)
				if pi > i {
					out = moveBefore(out, pi, i)
					moved = true
				}
			}
		}
		if !moved {
			return out
		}
	}
	logger.Warningf("Master/detail ordering did not stabilize within %d iterations for objects [%s]; "+
		"a cyclic ownership declaration is a correctness risk", maxStabilizationIterations, objectNames(out))
	return out
}

// queryOrder front-loads objects that define record universes consumed by
// others, then applies the hard-coded query precedence overrides. Record-type
// metadata objects stay pinned at the front, and declared-order runs keep the
// base order untouched.
func queryOrder(base []*models.MigrationObject, declaredOrderOnly bool, logger *logrus.Logger) []*models.MigrationObject {
	out := base
	if !declaredOrderOnly {
		var recordTypes, front, tail []*models.MigrationObject
		for _, o := range base {
			switch {
			case o.IsRecordType():
				recordTypes = append(recordTypes, o)
			case o.ProcessAllSource || o.HasLimitedQuery():
				front = append(front, o)
			default:
				tail = append(tail, o)
			}
		}
		out = append(recordTypes, append(front, tail...)...)
	}
	return applyPrecedence(out, queryPrecedence, logger)
}

// updateOrder rebuilds from scratch using only write-eligible objects.
func updateOrder(objects []*models.MigrationObject, declaredOrderOnly bool, logger *logrus.Logger) []*models.MigrationObject {
	var eligible []*models.MigrationObject
	for _, o := range objects {
		if o.Operation.IsWrite() {
			eligible = append(eligible, o)
		}
	}
	var out []*models.MigrationObject
	if declaredOrderOnly {
		out = declaredOrder(eligible)
	} else {
		out = chain(eligible, logger)
	}
	return applyPrecedence(out, updatePrecedence, logger)
}

// deleteOrder rebuilds from delete-eligible objects, then reverses so that
// children delete before parents.
func deleteOrder(objects []*models.MigrationObject, declaredOrderOnly bool, logger *logrus.Logger) []*models.MigrationObject {
	var eligible []*models.MigrationObject
	for _, o := range objects {
		if o.DeleteEligible() {
			eligible = append(eligible, o)
		}
	}
	var out []*models.MigrationObject
	if declaredOrderOnly {
		out = declaredOrder(eligible)
	} else {
		out = chain(eligible, logger)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return applyPrecedence(out, deletePrecedence, logger)
}

// applyPrecedence enforces hard-coded object-pair precedence with bounded
// iteration, mirroring the stabilization circuit breaker.
func applyPrecedence(objects []*models.MigrationObject, rules []precedenceRule, logger *logrus.Logger) []*models.MigrationObject {
	out := append([]*models.MigrationObject{}, objects...)
	for iter := 0; iter < maxStabilizationIterations; iter++ {
		moved := false
		for _, rule := range rules {
			bi := indexOfName(out, rule.Before)
			ai := indexOfName(out, rule.After)
			if bi < 0 || ai < 0 || bi < ai {
				continue
			}
			out = moveBefore(out, bi, ai)
			moved = true
		}
		if !moved {
			return out
		}
	}
	logger.Warningf("Precedence overrides did not stabilize within %d iterations for objects [%s]",
		maxStabilizationIterations, objectNames(out))
	return out
}

// moveBefore removes the element at from and reinserts it before to (to < from).
func moveBefore(objects []*models.MigrationObject, from, to int) []*models.MigrationObject {
	moved := objects[from]
	copy(objects[to+1:from+1], objects[to:from])
	objects[to] = moved
	return objects
}

func indexOf(objects []*models.MigrationObject, o *models.MigrationObject) int {
	for i, v := range objects {
		if v == o {
			return i
		}
	}
	return -1
}

func indexOfName(objects []*models.MigrationObject, name string) int {
	for i, v := range objects {
		if strings.EqualFold(v.Name, name) {
			return i
		}
	}
	return -1
}

func objectNames(objects []*models.MigrationObject) string {
	names := make([]string, len(objects))
	for i, o := range objects {
		names[i] = o.Name
	}
	return strings.Join(names, ", ")
}
