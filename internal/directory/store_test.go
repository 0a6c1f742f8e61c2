package directory

import (
	"context"
	"errors"
	"testing"

	"modguard.org/internal/roles"
)

func TestEnsureUserIsIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	u1, err := s.EnsureUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u1.Role != roles.RoleMember || !u1.Active {
		t.Fatalf("unexpected defaults: %+v", u1)
	}

	if _, err := s.SetUserRole(ctx, "u1", roles.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	u2, err := s.EnsureUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u2.Role != roles.RoleAdmin {
		t.Fatalf("EnsureUser reset an existing user: %+v", u2)
	}
}

func TestDeactivatePreservesUser(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.EnsureUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	u, err := s.DeactivateUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Active {
		t.Fatal("user still active after deactivation")
	}
	// Still resolvable for audit purposes.
	if _, err := s.GetUser(ctx, "u1"); err != nil {
		t.Fatalf("deactivated user must remain readable: %v", err)
	}
}

func TestEffectiveRoleDerivation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.CreateGroup(ctx, "g1", "owner"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"adm", "mod", "mem"} {
		if err := s.AddMember(ctx, "g1", id); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PromoteAdmin(ctx, "g1", "adm"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetGroupSetting(ctx, "g1", ModeratorKey("mod"), "1"); err != nil {
		t.Fatal(err)
	}

	g, err := s.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		user   string
		want   roles.Role
		member bool
	}{
		{"owner", roles.RoleOwner, true},
		{"adm", roles.RoleAdmin, true},
		{"mod", roles.RoleModerator, true},
		{"mem", roles.RoleMember, true},
		{"stranger", "", false},
	}
	for _, c := range cases {
		got, member := g.EffectiveRole(c.user)
		if got != c.want || member != c.member {
			t.Errorf("EffectiveRole(%s) = (%s, %v), want (%s, %v)", c.user, got, member, c.want, c.member)
		}
	}
}

func TestPromoteRequiresMembership(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.CreateGroup(ctx, "g1", "owner"); err != nil {
		t.Fatal(err)
	}
	err := s.PromoteAdmin(ctx, "g1", "stranger")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRemoveMemberClearsAdminAndModerator(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.CreateGroup(ctx, "g1", "owner"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMember(ctx, "g1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := s.PromoteAdmin(ctx, "g1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveMember(ctx, "g1", "u1"); err != nil {
		t.Fatal(err)
	}
	g, _ := s.GetGroup(ctx, "g1")
	if _, ok := g.Admins["u1"]; ok {
		t.Fatal("admin set retained a removed member")
	}
	if _, member := g.EffectiveRole("u1"); member {
		t.Fatal("removed member still resolves to a role")
	}
}

func TestRevocationSetting(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.CreateGroup(ctx, "g1", "owner"); err != nil {
		t.Fatal(err)
	}
	key := RevocationKey("owner", roles.PermExecuteBan)
	if err := s.SetGroupSetting(ctx, "g1", key, "revoked"); err != nil {
		t.Fatal(err)
	}
	g, _ := s.GetGroup(ctx, "g1")
	if !g.Revoked("owner", roles.PermExecuteBan) {
		t.Fatal("revocation not visible")
	}
	if g.Revoked("owner", roles.PermExecuteKick) {
		t.Fatal("unrelated permission reported revoked")
	}
}

func TestCreateGroupConflict(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.CreateGroup(ctx, "g1", "owner"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateGroup(ctx, "g1", "other"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}
