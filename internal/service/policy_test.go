package service

import (
	"testing"

	"cardledger/internal/model"
)

func ptr(v int64) *int64 { return &v }

func TestCanOperateOn(t *testing.T) {
	root := &model.User{ID: 1, Role: model.RoleSuperAdmin, Status: model.UserStatusActive}
	admin := &model.User{ID: 2, Role: model.RoleAdmin, ParentID: ptr(1), Status: model.UserStatusActive}
	otherAdmin := &model.User{ID: 3, Role: model.RoleAdmin, ParentID: ptr(1), Status: model.UserStatusActive}
	alice := &model.User{ID: 10, Role: model.RoleUser, ParentID: ptr(2), Status: model.UserStatusActive}
	bob := &model.User{ID: 11, Role: model.RoleUser, ParentID: ptr(2), Status: model.UserStatusActive}
	carol := &model.User{ID: 12, Role: model.RoleUser, ParentID: ptr(3), Status: model.UserStatusActive}
	inactiveAdmin := &model.User{ID: 4, Role: model.RoleAdmin, ParentID: ptr(1), Status: model.UserStatusInactive}

	cases := []struct {
		name   string
		actor  *model.User
		target *model.User
		action Action
		want   bool
	}{
		{"admin recharges own child", admin, alice, ActionRecharge, true},
		{"admin cannot recharge other admin's child", admin, carol, ActionRecharge, false},
		{"super admin recharges anyone", root, carol, ActionRecharge, true},
		{"no self recharge", admin, admin, ActionRecharge, false},
		{"user cannot recharge sibling", alice, bob, ActionRecharge, false},
		{"sibling transfer", alice, bob, ActionTransfer, true},
		{"transfer to parent", alice, admin, ActionTransfer, true},
		{"transfer across branches", alice, carol, ActionTransfer, false},
		{"admins are siblings under root", admin, otherAdmin, ActionTransfer, true},
		{"no self transfer", alice, alice, ActionTransfer, false},
		{"view self", alice, alice, ActionView, true},
		{"view sibling denied", alice, bob, ActionView, false},
		{"admin views child", admin, alice, ActionView, true},
		{"user manages own cards", alice, alice, ActionManageCard, true},
		{"user cannot remediate", alice, alice, ActionRemediate, false},
		{"admin remediates child", admin, alice, ActionRemediate, true},
		{"inactive actor denied", inactiveAdmin, inactiveAdmin, ActionView, false},
		{"nil target", admin, nil, ActionView, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanOperateOn(tc.actor, tc.target, tc.action); got != tc.want {
				t.Fatalf("CanOperateOn(%d,%v,%s)=%v, want %v", tc.actor.ID, tc.target, tc.action, got, tc.want)
			}
		})
	}
}
