// Package claims implements the RBAC/ReBAC claim layer: policy-based
// authorization decisions over a subject's claims (roles, groups,
// relationships) feeding the access token's "claims" and the /introspect
// response. Grounded on stacklok-toolhive's pkg/kubernetes/authz Cedar
// wrapper (cedar_test.go, cedar_entities_test.go) — that package wasn't
// shipped in the retrieval pack, only its tests, so this is a from-scratch
// reimplementation of the same wrapper shape: a compiled cedar.PolicySet
// plus an entity map built fresh per authorization check.
package claims

import (
	"errors"
	"fmt"

	cedar "github.com/cedar-policy/cedar-go"
)

// ErrNoPolicies mirrors toolhive's authz.ErrNoPolicies: an authorizer with
// zero policies would silently deny everything, which almost always means
// misconfiguration rather than intent.
var ErrNoPolicies = errors.New("claims: authorizer configured with no policies")

// Config is the static configuration for an Authorizer (§5's RBAC/ReBAC
// claim layer).
type Config struct {
	// Policies holds Cedar policy source text, one policy (or policy
	// group) per string, matching how operators hand-author authorization
	// rules over roles/groups/resource relationships.
	Policies []string
}

// Authorizer evaluates Cedar policies against a principal/action/resource
// triple built from a token's resolved claims.
type Authorizer struct {
	policySet *cedar.PolicySet
}

// New compiles Policies into a policy set. Returns ErrNoPolicies if none
// are supplied, and a parse error wrapping the offending policy's issue
// otherwise.
func New(cfg Config) (*Authorizer, error) {
	if len(cfg.Policies) == 0 {
		return nil, ErrNoPolicies
	}
	set := cedar.NewPolicySet()
	for i, src := range cfg.Policies {
		parsed, err := cedar.NewPolicyListFromBytes(fmt.Sprintf("policy-%d.cedar", i), []byte(src))
		if err != nil {
			return nil, fmt.Errorf("claims: parse policy %d: %w", i, err)
		}
		for j, p := range parsed {
			set.Store(cedar.PolicyID(fmt.Sprintf("policy-%d-%d", i, j)), p)
		}
	}
	return &Authorizer{policySet: set}, nil
}

// Principal is the resolved subject a request is evaluated on behalf of
// (§5: roles/groups drive the RBAC facet, direct relationship edges drive
// the ReBAC facet).
type Principal struct {
	Type  string
	ID    string
	Roles []string
}

// Decision is the outcome of one Check call.
type Decision struct {
	Allowed bool
}

// Check evaluates whether principal may perform action on resource, with
// context carrying any extra attributes the policies reference (e.g.
// resource ownership, tenant id).
func (a *Authorizer) Check(principal Principal, action, resourceType, resourceID string, context map[string]any) (Decision, error) {
	entities := buildEntities(principal, resourceType, resourceID)

	req := cedar.Request{
		Principal: cedar.EntityUID{Type: cedar.EntityType(principal.Type), ID: cedar.String(principal.ID)},
		Action:    cedar.EntityUID{Type: cedar.EntityType("Action"), ID: cedar.String(action)},
		Resource:  cedar.EntityUID{Type: cedar.EntityType(resourceType), ID: cedar.String(resourceID)},
		Context:   recordFromMap(context),
	}

	var authorizer cedar.Authorizer
	decision, _ := authorizer.IsAuthorized(entities, a.policySet, req)
	return Decision{Allowed: decision == cedar.Allow}, nil
}

func buildEntities(principal Principal, resourceType, resourceID string) cedar.EntityMap {
	entities := cedar.EntityMap{}

	principalUID := cedar.EntityUID{Type: cedar.EntityType(principal.Type), ID: cedar.String(principal.ID)}
	var parents []cedar.EntityUID
	for _, role := range principal.Roles {
		roleUID := cedar.EntityUID{Type: cedar.EntityType("Role"), ID: cedar.String(role)}
		entities[roleUID] = cedar.Entity{UID: roleUID}
		parents = append(parents, roleUID)
	}
	entities[principalUID] = cedar.Entity{UID: principalUID, Parents: cedar.NewEntityUIDSet(parents...)}

	resourceUID := cedar.EntityUID{Type: cedar.EntityType(resourceType), ID: cedar.String(resourceID)}
	entities[resourceUID] = cedar.Entity{UID: resourceUID}

	return entities
}

func recordFromMap(m map[string]any) cedar.Record {
	if len(m) == 0 {
		return cedar.NewRecord(nil)
	}
	items := make(cedar.RecordMap, len(m))
	for k, v := range m {
		items[cedar.String(k)] = valueOf(v)
	}
	return cedar.NewRecord(items)
}

func valueOf(v any) cedar.Value {
	switch t := v.(type) {
	case string:
		return cedar.String(t)
	case bool:
		return cedar.Boolean(t)
	case int:
		return cedar.Long(t)
	case int64:
		return cedar.Long(t)
	default:
		return cedar.String(fmt.Sprintf("%v", t))
	}
}
