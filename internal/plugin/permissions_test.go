package plugin

import "testing"

func TestPermissions_GrantAndCheck(t *testing.T) {
	p := NewPermissions()
	p.Grant("plugin-a", []string{"node:read", "plugin:access"})

	if !p.HasPermission("plugin-a", "node:read") {
		t.Fatal("expected node:read to be granted")
	}
	if p.HasPermission("plugin-a", "node:write") {
		t.Fatal("expected node:write to be denied")
	}
}

func TestPermissions_UngrantedPluginHasNoPermissions(t *testing.T) {
	p := NewPermissions()
	if p.HasPermission("unknown", "node:read") {
		t.Fatal("unknown plugin should have no permissions")
	}
}

func TestPermissions_GrantReplacesPriorSet(t *testing.T) {
	p := NewPermissions()
	p.Grant("plugin-a", []string{"node:read"})
	p.Grant("plugin-a", []string{"plugin:access"})

	if p.HasPermission("plugin-a", "node:read") {
		t.Fatal("expected prior grant to be replaced")
	}
	if !p.HasPermission("plugin-a", "plugin:access") {
		t.Fatal("expected new grant to take effect")
	}
}

func TestPermissions_Forget(t *testing.T) {
	p := NewPermissions()
	p.Grant("plugin-a", []string{"node:read"})
	p.Forget("plugin-a")

	if p.HasPermission("plugin-a", "node:read") {
		t.Fatal("expected permissions to be forgotten")
	}
}
