package rbac

import "testing"

func TestCanMatrix(t *testing.T) {
	tests := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleInitiator, ActionRead, true},
		{RoleInitiator, ActionPost, true},
		{RoleOwner, ActionRead, true},
		{RoleOwner, ActionPost, true},
		{RoleNone, ActionRead, false},
		{RoleNone, ActionPost, false},
		{Role("moderator"), ActionRead, false},
	}
	for _, tc := range tests {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Fatalf("Can(%q,%q) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name                   string
		user, initiator, owner string
		want                   Role
	}{
		{"initiator", "b", "b", "a", RoleInitiator},
		{"owner", "a", "b", "a", RoleOwner},
		{"stranger", "d", "b", "a", RoleNone},
		{"no need link", "a", "b", "", RoleNone},
		{"anonymous caller never matches anonymous owner", "", "b", "", RoleNone},
		{"initiator without need link", "b", "b", "", RoleInitiator},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(tc.user, tc.initiator, tc.owner); got != tc.want {
				t.Fatalf("Resolve() = %q, want %q", got, tc.want)
			}
		})
	}
}
