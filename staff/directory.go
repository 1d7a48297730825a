/*
Package staff is the user directory.

PURPOSE:
  Registers the people who use the system and answers who they are. Every
  other package only sees the core.Identity a user resolves to.

CAPACITY:
  - exactly one director system-wide
  - at most one manager per branch
  - at most two sales agents per branch

  Capacity is counted and the user inserted in the same transaction, so two
  concurrent registrations cannot both take the last seat.

BOOTSTRAP:
  Only a director may register users. The very first registration, made
  while the directory is empty, is accepted without an identity so a fresh
  install can create its director.
*/
package staff

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kgl/produce-engine/access"
	"github.com/kgl/produce-engine/core"
)

// Seats per branch. The director limit is system-wide.
const (
	MaxDirectors         = 1
	MaxManagersPerBranch = 1
	MaxAgentsPerBranch   = 2
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,}$`)
	emailPattern    = regexp.MustCompile(`^\S+@\S+\.\S+$`)
)

type Directory struct {
	store core.Store
	Clock core.Clock
}

func New(store core.Store) *Directory {
	return &Directory{store: store}
}

type NewUser struct {
	FullName string
	Username string
	Phone    string
	Email    string
	Role     string
	Branch   string
}

// =============================================================================
// REGISTER
// =============================================================================

func (d *Directory) Register(ctx context.Context, id core.Identity, in NewUser) (*core.User, error) {
	bootstrap, err := d.authorizeRegister(ctx, id)
	if err != nil {
		return nil, err
	}
	u, err := d.build(in)
	if err != nil {
		return nil, err
	}
	if bootstrap && u.Role != core.RoleDirector {
		return nil, core.Invalid("role", "The first user must be the director")
	}

	err = core.Atomically(ctx, d.store, func(st core.Store) error {
		if existing, err := st.GetUserByUsername(ctx, u.Username); err != nil {
			return err
		} else if existing != nil {
			return &core.ConflictError{Kind: "user", Message: "Username already exists"}
		}
		if err := checkCapacity(ctx, st, u); err != nil {
			return err
		}
		return st.CreateUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// authorizeRegister reports bootstrap=true for an anonymous call against an
// empty directory.
func (d *Directory) authorizeRegister(ctx context.Context, id core.Identity) (bool, error) {
	if id.IsZero() {
		n, err := d.store.CountUsers(ctx, core.UserFilter{})
		if err != nil {
			return false, err
		}
		if n == 0 {
			return true, nil
		}
	}
	return false, access.Authorize(id, access.User, access.Create, "")
}

func checkCapacity(ctx context.Context, st core.Store, u core.User) error {
	var (
		filter = core.UserFilter{Role: u.Role, ActiveOnly: true}
		limit  int
		where  string
	)
	switch u.Role {
	case core.RoleDirector:
		limit, where = MaxDirectors, "the system"
	case core.RoleManager:
		filter.Branch = u.Branch
		limit, where = MaxManagersPerBranch, string(u.Branch)
	case core.RoleSalesAgent:
		filter.Branch = u.Branch
		limit, where = MaxAgentsPerBranch, string(u.Branch)
	}

	n, err := st.CountUsers(ctx, filter)
	if err != nil {
		return err
	}
	if n >= limit {
		return &core.ConflictError{
			Kind:    "user",
			Message: fmt.Sprintf("%s already has %d %s(s)", where, n, u.Role),
		}
	}
	return nil
}

func (d *Directory) build(in NewUser) (core.User, error) {
	var errs core.ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, &core.ValidationError{Field: field, Message: msg})
	}

	name := strings.TrimSpace(in.FullName)
	if len(name) < 2 {
		add("fullName", "Full name must be at least 2 characters long")
	}
	username := strings.ToLower(strings.TrimSpace(in.Username))
	if !usernamePattern.MatchString(username) {
		add("username", "Username must be at least 3 characters of letters, numbers, and underscores")
	}
	phone := strings.TrimSpace(in.Phone)
	if !core.ValidPhone(phone) {
		add("phone", "Invalid phone number format")
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email != "" && !emailPattern.MatchString(email) {
		add("email", "Invalid email address")
	}

	role, err := core.ParseRole(in.Role)
	if err != nil {
		add("role", "Role must be director, manager, or sales-agent")
	}

	var branch core.Branch
	switch {
	case role == core.RoleDirector:
		// directors are not tied to a branch
	case strings.TrimSpace(in.Branch) == "":
		add("branch", "Branch is required")
	default:
		b, err := core.ParseBranch(in.Branch)
		if err != nil {
			errs = append(errs, err.(*core.ValidationError))
		}
		branch = b
	}

	if len(errs) > 0 {
		return core.User{}, errs
	}
	return core.User{
		ID:        core.NewID(),
		FullName:  name,
		Username:  username,
		Phone:     phone,
		Email:     email,
		Role:      role,
		Branch:    branch,
		Active:    true,
		CreatedAt: d.Clock.Now(),
	}, nil
}

// =============================================================================
// READS
// =============================================================================

func (d *Directory) List(ctx context.Context, id core.Identity, f core.UserFilter) ([]core.User, error) {
	if err := access.Authorize(id, access.User, access.List, ""); err != nil {
		return nil, err
	}
	return d.store.ListUsers(ctx, f)
}

func (d *Directory) Get(ctx context.Context, id core.Identity, userID string) (*core.User, error) {
	if err := access.Authorize(id, access.User, access.View, ""); err != nil {
		return nil, err
	}
	u, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, core.NotFound("user", userID)
	}
	return u, nil
}

// Lookup resolves userID without a policy check. Used by the auth layer to
// reject tokens of deactivated users.
func (d *Directory) Lookup(ctx context.Context, userID string) (*core.User, error) {
	return d.store.GetUser(ctx, userID)
}

func (d *Directory) ActiveCount(ctx context.Context) (int, error) {
	return d.store.CountUsers(ctx, core.UserFilter{ActiveOnly: true})
}

// ManagerOf returns the active manager of branch, or nil.
func (d *Directory) ManagerOf(ctx context.Context, branch core.Branch) (*core.User, error) {
	users, err := d.store.ListUsers(ctx, core.UserFilter{Role: core.RoleManager, Branch: branch, ActiveOnly: true})
	if err != nil || len(users) == 0 {
		return nil, err
	}
	return &users[0], nil
}
