// Package permission models capability permission sets and the two lossy
// transforms between their caller-centric and storage-centric encodings.
package permission

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Resource names one kind of protected object in the document API.
type Resource string

// Resources.
const (
	ResourceDocuments   Resource = "documents"
	ResourceCollections Resource = "collections"
	ResourceUsers       Resource = "users"
	ResourceAPIKeys     Resource = "api_keys"
)

// Verb names an operation on a resource.
type Verb string

// Verbs.
const (
	VerbGet    Verb = "get"
	VerbList   Verb = "list"
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
	VerbShare  Verb = "share"
)

// Scope is the target shape of a grant. The variant set is closed.
type Scope string

// Scopes.
const (
	// ScopeAll grants the verb on every instance of the resource.
	ScopeAll Scope = "all"
	// ScopeOne grants the verb on a single instance by id.
	ScopeOne Scope = "one"
	// ScopeMany aggregates several ScopeOne grants into one entry.
	ScopeMany Scope = "many"
	// ScopeSelf grants the verb on the caller's own record.
	ScopeSelf Scope = "self"
	// ScopeAssigned grants the verb on instances assigned to the caller.
	ScopeAssigned Scope = "assigned"
)

// Grant is one permission variant. ID is set for ScopeOne, IDs for
// ScopeMany; both are zero otherwise.
type Grant struct {
	Resource Resource    `json:"resource"`
	Verb     Verb        `json:"verb"`
	Scope    Scope       `json:"scope"`
	ID       uuid.UUID   `json:"id,omitempty"`
	IDs      []uuid.UUID `json:"ids,omitempty"`
}

// All grants the verb on every instance of the resource.
func All(r Resource, v Verb) Grant { return Grant{Resource: r, Verb: v, Scope: ScopeAll} }

// One grants the verb on a single instance.
func One(r Resource, v Verb, id uuid.UUID) Grant {
	return Grant{Resource: r, Verb: v, Scope: ScopeOne, ID: id}
}

// Many aggregates individual grants; ids are deduplicated and sorted so
// structurally equal aggregates compare equal.
func Many(r Resource, v Verb, ids []uuid.UUID) Grant {
	return Grant{Resource: r, Verb: v, Scope: ScopeMany, IDs: normalizeIDs(ids)}
}

// Self grants the verb on the caller's own record.
func Self(r Resource, v Verb) Grant { return Grant{Resource: r, Verb: v, Scope: ScopeSelf} }

// Assigned grants the verb on instances assigned to the caller.
func Assigned(r Resource, v Verb) Grant { return Grant{Resource: r, Verb: v, Scope: ScopeAssigned} }

// Equal reports structural equality. Many ids are normalized at
// construction, so slice comparison is positional.
func (g Grant) Equal(o Grant) bool {
	if g.Resource != o.Resource || g.Verb != o.Verb || g.Scope != o.Scope || g.ID != o.ID {
		return false
	}
	if len(g.IDs) != len(o.IDs) {
		return false
	}
	for i := range g.IDs {
		if g.IDs[i] != o.IDs[i] {
			return false
		}
	}
	return true
}

// String renders a stable scope form like "documents:get",
// "documents:update:self", or "documents:get:one:<id>".
func (g Grant) String() string {
	parts := []string{string(g.Resource), string(g.Verb)}
	switch g.Scope {
	case ScopeAll:
	case ScopeOne:
		parts = append(parts, "one", g.ID.String())
	case ScopeMany:
		parts = append(parts, "many")
	case ScopeSelf:
		parts = append(parts, "self")
	case ScopeAssigned:
		parts = append(parts, "assigned")
	}
	return strings.Join(parts, ":")
}

func normalizeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Caller is the resolved identity for one request: its id plus its live
// permission set. Constructed fresh per request, never persisted.
type Caller struct {
	ID          uuid.UUID
	Permissions Set
}

// Set is a collection of grants. Sets are replaced wholesale on update,
// never mutated in place.
type Set struct {
	grants []Grant
}

// NewSet builds a set, dropping structural duplicates.
func NewSet(grants ...Grant) Set {
	s := Set{}
	for _, g := range grants {
		if !s.Can(g) {
			s.grants = append(s.grants, g)
		}
	}
	return s
}

// Grants returns a copy of the underlying grants.
func (s Set) Grants() []Grant {
	out := make([]Grant, len(s.grants))
	copy(out, s.grants)
	return out
}

// Len reports the number of grants.
func (s Set) Len() int { return len(s.grants) }

// Can reports structural membership of the grant.
func (s Set) Can(g Grant) bool {
	for _, have := range s.grants {
		if have.Equal(g) {
			return true
		}
	}
	return false
}

// Any reports whether at least one of the grants is a member.
func (s Set) Any(gs ...Grant) bool {
	for _, g := range gs {
		if s.Can(g) {
			return true
		}
	}
	return false
}

// All reports whether every grant is a member.
func (s Set) All(gs ...Grant) bool {
	for _, g := range gs {
		if !s.Can(g) {
			return false
		}
	}
	return true
}

// Strings renders the set as scope strings, suitable for a JWT scp claim.
func (s Set) Strings() []string {
	out := make([]string, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g.String())
	}
	sort.Strings(out)
	return out
}

func (s Set) String() string {
	return fmt.Sprintf("permission.Set(%s)", strings.Join(s.Strings(), " "))
}

// MarshalJSON encodes the set as its grant list.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.grants)
}

// UnmarshalJSON decodes a grant list, re-normalizing aggregates.
func (s *Set) UnmarshalJSON(data []byte) error {
	var grants []Grant
	if err := json.Unmarshal(data, &grants); err != nil {
		return err
	}
	for i, g := range grants {
		if g.Scope == ScopeMany {
			grants[i].IDs = normalizeIDs(g.IDs)
		}
	}
	*s = NewSet(grants...)
	return nil
}
