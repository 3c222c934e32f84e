package enums

import "slices"

// MemberRole is a member's role inside an organization.
type MemberRole string

const (
	MemberRoleOwner  MemberRole = "owner"
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleMember MemberRole = "member"
)

// BillingAlertRoles receive usage and payment notifications.
var BillingAlertRoles = []MemberRole{MemberRoleOwner, MemberRoleAdmin}

func (r MemberRole) ReceivesBillingAlerts() bool {
	return slices.Contains(BillingAlertRoles, r)
}
