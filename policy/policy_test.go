package policy

import "testing"

func TestRoleTableGrantRevoke(t *testing.T) {
	table := NewRoleTable()
	table.Grant("gov", CapManageAssets, CapManageParams)

	if !table.Allow("gov", CapManageAssets) {
		t.Fatalf("expected manage-assets grant")
	}
	if table.Allow("gov", CapPause) {
		t.Fatalf("unexpected pause grant")
	}
	if table.Allow("intruder", CapManageAssets) {
		t.Fatalf("unknown actor must be denied")
	}

	table.Revoke("gov", CapManageAssets)
	if table.Allow("gov", CapManageAssets) {
		t.Fatalf("revoked capability still allowed")
	}
	if !table.Allow("gov", CapManageParams) {
		t.Fatalf("unrelated capability lost on revoke")
	}
}

func TestRequire(t *testing.T) {
	table := NewRoleTable()
	table.Grant("ops", CapPause)

	if err := Require(table, "ops", CapPause); err != nil {
		t.Fatalf("require: %v", err)
	}
	if err := Require(table, "ops", CapUpgrade); err != ErrNotAuthorized {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err := Require(nil, "ops", CapPause); err != ErrNotAuthorized {
		t.Fatalf("nil policy must deny, got %v", err)
	}
}

func TestAllowAll(t *testing.T) {
	if err := Require(AllowAll{}, "anyone", CapUpgrade); err != nil {
		t.Fatalf("allow all must permit: %v", err)
	}
}
