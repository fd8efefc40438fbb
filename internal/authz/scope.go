package authz

import (
	"context"

	"github.com/google/uuid"

	"github.com/kincircle/kincircle/internal/catalog"
)

// ScopeResolver answers whether a permission scope covers a concrete
// resource for the evaluated user. ScopeEntities carries the entity IDs
// attached to the grant the permission came from.
type ScopeResolver interface {
	Covers(ctx context.Context, scope catalog.Scope, userID uuid.UUID, resourceID string, scopeEntities []string) (bool, error)
}

// ScopeRegistry maps resource types to their resolver. Resource types
// without a registered resolver never match, so unknown types deny.
type ScopeRegistry struct {
	resolvers map[string]ScopeResolver
}

func NewScopeRegistry() *ScopeRegistry {
	return &ScopeRegistry{resolvers: make(map[string]ScopeResolver)}
}

func (r *ScopeRegistry) Register(resourceType string, resolver ScopeResolver) {
	r.resolvers[resourceType] = resolver
}

func (r *ScopeRegistry) Covers(ctx context.Context, resourceType string, scope catalog.Scope, userID uuid.UUID, resourceID string, scopeEntities []string) (bool, error) {
	resolver, ok := r.resolvers[resourceType]
	if !ok {
		return false, nil
	}
	return resolver.Covers(ctx, scope, userID, resourceID, scopeEntities)
}

// OwnerLookup resolves ownership and group membership for a resource.
// The store-backed implementation lives next to the repositories.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, resourceType, resourceID string) (uuid.UUID, error)
	GroupOf(ctx context.Context, resourceType, resourceID string) (string, error)
}

// RelationResolver implements the standard scope semantics on top of an
// OwnerLookup: "all" always matches, "assigned" checks the grant's
// entity list, "own" compares ownership and "group" checks membership of
// the resource's group in the grant's entity list.
type RelationResolver struct {
	resourceType string
	lookup       OwnerLookup
}

func NewRelationResolver(resourceType string, lookup OwnerLookup) *RelationResolver {
	return &RelationResolver{resourceType: resourceType, lookup: lookup}
}

func (r *RelationResolver) Covers(ctx context.Context, scope catalog.Scope, userID uuid.UUID, resourceID string, scopeEntities []string) (bool, error) {
	switch scope {
	case catalog.ScopeAll:
		return true, nil
	case catalog.ScopeAssigned:
		return containsEntity(scopeEntities, resourceID), nil
	case catalog.ScopeOwn:
		owner, err := r.lookup.OwnerOf(ctx, r.resourceType, resourceID)
		if err != nil {
			return false, err
		}
		return owner == userID, nil
	case catalog.ScopeGroup:
		group, err := r.lookup.GroupOf(ctx, r.resourceType, resourceID)
		if err != nil {
			return false, err
		}
		return group != "" && containsEntity(scopeEntities, group), nil
	default:
		return false, nil
	}
}

func containsEntity(entities []string, id string) bool {
	for _, entity := range entities {
		if entity == id {
			return true
		}
	}
	return false
}
