// Package reconcile synchronizes identity-provider-asserted group
// memberships and roles with the local user/group directory.
//
// Only groups tagged with a sourceService attribute naming the provider are
// ever created, assigned or deassigned here; locally managed groups are
// invisible to reconciliation. Per-group persistence failures are logged and
// skipped so that a directory hiccup never fails the authentication that
// triggered the sync.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/geostore/geostore/pkg/directory"
	"github.com/geostore/geostore/pkg/logger"
)

// Reconciler diffs provider-asserted group names against the directory.
type Reconciler struct {
	dir directory.Directory

	// uppercase normalizes incoming group names to upper case before any
	// lookup or create, for providers that are sloppy about casing.
	uppercase bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithUppercaseNames normalizes asserted group names to upper case.
func WithUppercaseNames() Option {
	return func(r *Reconciler) { r.uppercase = true }
}

// New returns a Reconciler operating on the given directory.
func New(dir directory.Directory, opts ...Option) *Reconciler {
	r := &Reconciler{dir: dir}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile makes the user's provider-tagged group memberships equal to
// newGroupNames. It is idempotent: re-running with the same input is a
// no-op. Groups without a sourceService tag are never added or removed.
func (r *Reconciler) Reconcile(
	ctx context.Context, user *directory.User, provider string, newGroupNames []string,
) error {
	if provider == "" {
		return errors.New("provider name is required")
	}

	wanted := r.normalizeSet(newGroupNames)

	// Query the directory for the provider's tagged groups rather than
	// trusting whatever happens to be loaded on the user record.
	tagged, err := r.dir.FindGroupsByAttribute(ctx, directory.SourceServiceAttr, []string{provider}, true)
	if err != nil {
		return fmt.Errorf("loading %s-tagged groups: %w", provider, err)
	}
	taggedIDs := make(map[int64]struct{}, len(tagged))
	for _, g := range tagged {
		taggedIDs[g.ID] = struct{}{}
	}

	// Deassign provider-tagged memberships the token no longer asserts.
	for _, g := range user.Groups {
		if _, ok := taggedIDs[g.ID]; !ok {
			continue
		}
		if _, ok := wanted[r.normalize(g.Name)]; ok {
			continue
		}
		if err := r.dir.DeassignUserFromGroup(ctx, user.ID, g.ID); err != nil {
			logger.Errorw("failed to deassign stale provider group",
				"user", user.Name, "group", g.Name, "provider", provider, "error", err)
		}
	}

	// Create, tag and assign the asserted groups.
	for name := range wanted {
		if err := r.ensureMembership(ctx, user, provider, name); err != nil {
			logger.Errorw("failed to reconcile group, skipping",
				"user", user.Name, "group", name, "provider", provider, "error", err)
		}
	}

	return r.dedupeByName(ctx, user)
}

// ensureMembership looks up or creates the named group, makes sure it is
// tagged for the provider, and assigns the user to it.
func (r *Reconciler) ensureMembership(
	ctx context.Context, user *directory.User, provider, name string,
) error {
	group, err := r.dir.GetGroupByName(ctx, name)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		group = &directory.Group{
			Name: name,
			Attributes: []directory.Attribute{
				{Name: directory.SourceServiceAttr, Value: provider},
			},
		}
		if _, err := r.dir.InsertGroup(ctx, group); err != nil {
			return fmt.Errorf("creating group: %w", err)
		}
	case err != nil:
		return fmt.Errorf("looking up group: %w", err)
	case group.SourceService() == "":
		// The group exists but is not yet owned by any provider: backfill
		// the tag so future reconciliations see it.
		attrs := append(group.Attributes, directory.Attribute{
			Name: directory.SourceServiceAttr, Value: provider,
		})
		if err := r.dir.UpdateGroupAttributes(ctx, group.ID, attrs); err != nil {
			return fmt.Errorf("tagging group: %w", err)
		}
	}

	if user.InGroup(group.ID) {
		return nil
	}
	if err := r.dir.AssignUserToGroup(ctx, user.ID, group.ID); err != nil {
		return fmt.Errorf("assigning group: %w", err)
	}
	return nil
}

// dedupeByName reloads the user and deassigns any group whose normalized
// name duplicates one already held, keeping the first by ID order. The
// reloaded state is written back onto user.
func (r *Reconciler) dedupeByName(ctx context.Context, user *directory.User) error {
	fresh, err := r.dir.GetUserByName(ctx, user.Name)
	if err != nil {
		return fmt.Errorf("reloading user: %w", err)
	}

	seen := make(map[string]struct{}, len(fresh.Groups))
	kept := fresh.Groups[:0]
	for _, g := range fresh.Groups {
		key := r.normalize(g.Name)
		if _, dup := seen[key]; dup {
			if err := r.dir.DeassignUserFromGroup(ctx, user.ID, g.ID); err != nil {
				logger.Errorw("failed to deassign duplicate group",
					"user", user.Name, "group", g.Name, "error", err)
			}
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, g)
	}

	user.Groups = kept
	return nil
}

func (r *Reconciler) normalize(name string) string {
	name = strings.TrimSpace(name)
	if r.uppercase {
		return strings.ToUpper(name)
	}
	return name
}

func (r *Reconciler) normalizeSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = r.normalize(n); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

// ComputeRole derives a role from a provider-asserted role list. ADMIN takes
// precedence over anything else, and an asserted role is only honored when
// it parses to a known role name; otherwise defaultRole applies. Callers
// must distinguish an absent roles claim (keep the persisted role) from a
// present-but-empty one (ComputeRole with the default) before calling.
func ComputeRole(asserted []string, defaultRole directory.Role) directory.Role {
	best := directory.Role(-1)
	for _, name := range asserted {
		role, ok := directory.ParseRole(name)
		if !ok {
			continue
		}
		if role > best {
			best = role
		}
	}
	if best < directory.RoleGuest {
		return defaultRole
	}
	return best
}
