package permission

import "github.com/google/uuid"

// aggregateKinds is the closed table of (resource, verb) pairs whose
// individual grants collapse into one Many entry when a set is contracted.
// Contract emits exactly one Many per kind even when no individual grants
// exist, so the table also fixes the shape of an empty contracted set.
var aggregateKinds = []struct {
	Resource Resource
	Verb     Verb
}{
	{ResourceDocuments, VerbGet},
	{ResourceDocuments, VerbShare},
	{ResourceCollections, VerbGet},
	{ResourceUsers, VerbGet},
}

func isAggregateKind(r Resource, v Verb) bool {
	for _, k := range aggregateKinds {
		if k.Resource == r && k.Verb == v {
			return true
		}
	}
	return false
}

// Contract rewrites the set into its compact storage encoding for the given
// caller: individual grants of an aggregate kind collapse into one Many per
// kind, and any grant targeting the caller's own id becomes the Self
// variant. Contract is lossy by design and idempotent.
func (s Set) Contract(callerID uuid.UUID) Set {
	perKind := make(map[Resource]map[Verb][]uuid.UUID, len(aggregateKinds))
	for _, k := range aggregateKinds {
		if perKind[k.Resource] == nil {
			perKind[k.Resource] = make(map[Verb][]uuid.UUID)
		}
		perKind[k.Resource][k.Verb] = nil
	}

	var rest []Grant
	for _, g := range s.grants {
		switch g.Scope {
		case ScopeOne:
			if g.ID == callerID {
				rest = append(rest, Self(g.Resource, g.Verb))
				continue
			}
			if isAggregateKind(g.Resource, g.Verb) {
				perKind[g.Resource][g.Verb] = append(perKind[g.Resource][g.Verb], g.ID)
				continue
			}
			rest = append(rest, g)
		case ScopeMany:
			if isAggregateKind(g.Resource, g.Verb) {
				for _, id := range g.IDs {
					if id == callerID {
						rest = append(rest, Self(g.Resource, g.Verb))
						continue
					}
					perKind[g.Resource][g.Verb] = append(perKind[g.Resource][g.Verb], id)
				}
				continue
			}
			rest = append(rest, g)
		default:
			rest = append(rest, g)
		}
	}

	out := make([]Grant, 0, len(rest)+len(aggregateKinds))
	for _, k := range aggregateKinds {
		out = append(out, Many(k.Resource, k.Verb, perKind[k.Resource][k.Verb]))
	}
	out = append(out, rest...)
	return NewSet(out...)
}

// Expand is the dual transform, run at authorization time against the
// caller's identity. Aggregates come back apart into one grant per id; Self
// variants expand into both the Self marker and the concrete grant against
// the caller's own id; Assigned variants expand into the marker plus every
// matching individual grant already present on the caller's live permission
// set — the one place the transform consults external state.
//
// Expand(Contract(P, c), c) is a superset of the concrete grants P implies
// for c, not a byte-identical copy of P.
func (s Set) Expand(caller Caller) Set {
	var out []Grant
	for _, g := range s.grants {
		switch g.Scope {
		case ScopeMany:
			for _, id := range g.IDs {
				out = append(out, One(g.Resource, g.Verb, id))
			}
		case ScopeSelf:
			out = append(out, g, One(g.Resource, g.Verb, caller.ID))
		case ScopeAssigned:
			out = append(out, g)
			for _, live := range caller.Permissions.grants {
				if live.Scope == ScopeOne && live.Resource == g.Resource && live.Verb == g.Verb {
					out = append(out, live)
				}
			}
		default:
			out = append(out, g)
		}
	}
	return NewSet(out...)
}
