package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCycleDetected indicates a parent link that would close a loop in the set graph.
	ErrCycleDetected = errors.New("catalog: cycle detected")
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("catalog: not found")
)

// Repository provides closure-table backed persistence for the catalog.
type Repository interface {
	InsertPermission(ctx context.Context, p Permission) error
	GetPermission(ctx context.Context, id uuid.UUID) (Permission, error)
	// CreateSet persists the set, its member links, the closure self row, and
	// every parent edge atomically; a rejected edge leaves nothing behind.
	CreateSet(ctx context.Context, set PermissionSet, permissionIDs, parentIDs []uuid.UUID) error
	GetSet(ctx context.Context, id uuid.UUID) (PermissionSet, error)
	// PathExists reports whether descendant is reachable from ancestor in the closure table.
	PathExists(ctx context.Context, ancestorID, descendantID uuid.UUID) (bool, error)
	// LinkParent inserts the edge parent->child and every transitive ancestor/descendant
	// pair it implies, atomically. The reverse-path check is repeated inside the
	// transaction; a concurrent writer closing the loop surfaces as ErrCycleDetected.
	LinkParent(ctx context.Context, parentID, childID uuid.UUID) error
	// AncestorLineage returns setID plus all its ancestors ordered farthest-first
	// (closure depth descending), which is a topological order over the lineage.
	AncestorLineage(ctx context.Context, setID uuid.UUID) ([]uuid.UUID, error)
	PermissionsForSets(ctx context.Context, setIDs []uuid.UUID) (map[uuid.UUID][]Permission, error)
	// RoleHolders enumerates users holding an active assignment of any role that
	// references the set directly or through a descendant.
	RoleHolders(ctx context.Context, setID uuid.UUID) ([]uuid.UUID, error)
}

// ChangeSink receives change-audit records for catalog mutations.
type ChangeSink interface {
	Change(entity, entityID, action string, actorID uuid.UUID, reason string, before, after any)
}

// Epoch is bumped on any structural change so cached decisions built
// against the old topology stop validating.
type Epoch interface {
	BumpVersion(ctx context.Context) (int64, error)
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
}

// Service orchestrates catalog operations.
type Service struct {
	repo  Repository
	audit ChangeSink
	epoch Epoch
	nowFn func() time.Time
}

// NewService constructs a catalog Service.
func NewService(repo Repository, audit ChangeSink, epoch Epoch) *Service {
	return &Service{repo: repo, audit: audit, epoch: epoch, nowFn: time.Now}
}

// DefinePermission registers a new permission.
func (s *Service) DefinePermission(ctx context.Context, resource, action string, effect Effect, scope Scope, actorID uuid.UUID) (Permission, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if resource == "" || action == "" {
		return Permission{}, errors.New("catalog: permission resource and action required")
	}
	if !ValidEffect(effect) {
		return Permission{}, fmt.Errorf("catalog: invalid effect %q", effect)
	}
	if !ValidScope(scope) {
		return Permission{}, fmt.Errorf("catalog: invalid scope %q", scope)
	}
	perm := Permission{
		ID:        uuid.New(),
		Resource:  resource,
		Action:    action,
		Effect:    effect,
		Scope:     scope,
		CreatedAt: s.nowFn(),
	}
	if err := s.repo.InsertPermission(ctx, perm); err != nil {
		return Permission{}, err
	}
	if s.audit != nil {
		s.audit.Change("permission", perm.ID.String(), "CREATE", actorID, "", nil, perm)
	}
	return perm, nil
}

// CreatePermissionSet creates a set with the given parents and member permissions.
// Every parent edge goes through the same cycle guard as AddParent.
func (s *Service) CreatePermissionSet(ctx context.Context, name string, parentIDs, permissionIDs []uuid.UUID, actorID uuid.UUID) (PermissionSet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return PermissionSet{}, errors.New("catalog: set name required")
	}
	set := PermissionSet{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: s.nowFn(),
	}
	parents := dedupe(parentIDs)
	if err := s.repo.CreateSet(ctx, set, permissionIDs, parents); err != nil {
		return PermissionSet{}, err
	}
	set.ParentIDs = parents
	if s.audit != nil {
		s.audit.Change("permission_set", set.ID.String(), "CREATE", actorID, "", nil, set)
	}
	if err := s.structuralChange(ctx, set.ID); err != nil {
		return set, err
	}
	return set, nil
}

// AddParent links parentID as an ancestor of setID, rejecting edges that would
// close a cycle. The catalog is left unchanged on rejection.
func (s *Service) AddParent(ctx context.Context, setID, parentID uuid.UUID, actorID uuid.UUID) error {
	if err := s.linkParent(ctx, parentID, setID); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Change("permission_set", setID.String(), "LINK_PARENT", actorID, "", nil, map[string]string{"parent_id": parentID.String()})
	}
	return s.structuralChange(ctx, setID)
}

func (s *Service) linkParent(ctx context.Context, parentID, childID uuid.UUID) error {
	if parentID == childID {
		return ErrCycleDetected
	}
	// Reject when the child is already an ancestor of the prospective parent:
	// the reverse path means parent->child would complete a loop.
	reverse, err := s.repo.PathExists(ctx, childID, parentID)
	if err != nil {
		return err
	}
	if reverse {
		return ErrCycleDetected
	}
	return s.repo.LinkParent(ctx, parentID, childID)
}

// ExpandPermissionSet flattens a set with everything it inherits, deduplicated,
// in topological (farthest ancestor first) order.
func (s *Service) ExpandPermissionSet(ctx context.Context, setID uuid.UUID) ([]Permission, error) {
	lineage, err := s.repo.AncestorLineage(ctx, setID)
	if err != nil {
		return nil, err
	}
	if len(lineage) == 0 {
		return nil, ErrNotFound
	}
	bySet, err := s.repo.PermissionsForSets(ctx, lineage)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]struct{})
	var out []Permission
	for _, id := range lineage {
		for _, perm := range bySet[id] {
			if _, ok := seen[perm.ID]; ok {
				continue
			}
			seen[perm.ID] = struct{}{}
			out = append(out, perm)
		}
	}
	return out, nil
}

// RoleHolders lists users whose active roles reference the given set.
func (s *Service) RoleHolders(ctx context.Context, setID uuid.UUID) ([]uuid.UUID, error) {
	return s.repo.RoleHolders(ctx, setID)
}

// structuralChange bumps the global cache epoch and invalidates every holder
// of a role referencing the changed set. Invalidation is best effort; the
// version bump alone bounds staleness.
func (s *Service) structuralChange(ctx context.Context, setID uuid.UUID) error {
	if s.epoch == nil {
		return nil
	}
	if _, err := s.epoch.BumpVersion(ctx); err != nil {
		return err
	}
	holders, err := s.repo.RoleHolders(ctx, setID)
	if err != nil {
		return nil
	}
	for _, userID := range holders {
		_ = s.epoch.InvalidateUser(ctx, userID)
	}
	return nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
