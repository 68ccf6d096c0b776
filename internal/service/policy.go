package service

import (
	"cardledger/internal/model"
)

type Action string

const (
	ActionView       Action = "VIEW"
	ActionRecharge   Action = "RECHARGE"
	ActionWithdraw   Action = "WITHDRAW"
	ActionTransfer   Action = "TRANSFER"
	ActionManageCard Action = "MANAGE_CARD"
	ActionRemediate  Action = "REMEDIATE"
)

// CanOperateOn 判断 actor 能否对 target 执行 action
//
// 层级只有两层：SUPER_ADMIN 管所有人，ADMIN 只管 parent_id 指向自己的用户。
// 资金类动作不能对自己做；非 ACTIVE 的 actor 一律拒绝。
func CanOperateOn(actor, target *model.User, action Action) bool {
	if actor == nil || target == nil || actor.Status != model.UserStatusActive {
		return false
	}
	self := actor.ID == target.ID
	superAdmin := actor.Role == model.RoleSuperAdmin
	adminOfTarget := actor.Role == model.RoleAdmin && target.IsChildOf(actor.ID)

	switch action {
	case ActionView:
		return self || superAdmin || adminOfTarget
	case ActionRecharge, ActionWithdraw:
		return !self && (superAdmin || adminOfTarget)
	case ActionTransfer:
		if self {
			return false
		}
		sibling := actor.ParentID != nil && target.IsChildOf(*actor.ParentID)
		toParent := actor.IsChildOf(target.ID)
		return superAdmin || adminOfTarget || sibling || toParent
	case ActionManageCard:
		return self || superAdmin || adminOfTarget
	case ActionRemediate:
		return superAdmin || adminOfTarget
	}
	return false
}
