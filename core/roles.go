package core

// =============================================================================
// ROLES AND CAPABILITIES
// =============================================================================

// Role is the caller's role as resolved by the authentication layer.
type Role string

const (
	RoleCustomer     Role = "CUSTOMER"
	RoleReceptionist Role = "RECEPTIONIST"
	RoleAdminKos     Role = "ADMINKOS"
	RoleSuperAdmin   Role = "SUPERADMIN"

	// RoleSystem is never issued to users; it marks gateway callbacks and
	// scheduled sweeps.
	RoleSystem Role = "SYSTEM"
)

// ParseRole validates a role string from a token claim.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleCustomer, RoleReceptionist, RoleAdminKos, RoleSuperAdmin:
		return r, true
	}
	return "", false
}

// Action names a guarded operation.
type Action string

const (
	ActionCreateOnlineBooking Action = "booking.create_online"
	ActionCreateDirectBooking Action = "booking.create_direct"
	ActionSubmitBooking       Action = "booking.submit"
	ActionRecordPayment       Action = "payment.record_intent"
	ActionSettlePayment       Action = "payment.settle"
	ActionCheckIn             Action = "booking.check_in"
	ActionCheckOut            Action = "booking.check_out"
	ActionRenew               Action = "booking.renew"
	ActionCancel              Action = "booking.cancel"
	ActionViewBooking         Action = "booking.view"
	ActionManageAccounts      Action = "ledger.manage_accounts"
	ActionViewBalance         Action = "ledger.view_balance"
	ActionRequestWithdrawal   Action = "withdrawal.request"
	ActionDecideWithdrawal    Action = "withdrawal.decide"
	ActionMarkWithdrawalPaid  Action = "withdrawal.mark_paid"
)

// Scope says which subjects a role may act on for an action.
type Scope int

const (
	ScopeNone     Scope = iota
	ScopeOwn            // the booking's customer
	ScopeOperator       // subjects belonging to the identity's operator
	ScopeAny
)

// permissions is the capability table consulted by every transition guard.
var permissions = map[Action]map[Role]Scope{
	ActionCreateOnlineBooking: {RoleCustomer: ScopeOwn},
	ActionSubmitBooking:       {RoleCustomer: ScopeOwn},
	ActionCreateDirectBooking: {RoleReceptionist: ScopeOperator, RoleAdminKos: ScopeOperator},
	ActionRecordPayment:       {RoleCustomer: ScopeOwn, RoleReceptionist: ScopeOperator, RoleAdminKos: ScopeOperator},
	ActionSettlePayment:       {RoleSystem: ScopeAny, RoleReceptionist: ScopeOperator, RoleAdminKos: ScopeOperator},
	ActionCheckIn:             {RoleReceptionist: ScopeOperator, RoleAdminKos: ScopeOperator},
	ActionCheckOut:            {RoleReceptionist: ScopeOperator, RoleAdminKos: ScopeOperator},
	ActionRenew:               {RoleCustomer: ScopeOwn, RoleReceptionist: ScopeOperator, RoleAdminKos: ScopeOperator},
	ActionCancel:              {RoleCustomer: ScopeOwn, RoleReceptionist: ScopeOperator, RoleAdminKos: ScopeOperator},
	ActionViewBooking:         {RoleCustomer: ScopeOwn, RoleReceptionist: ScopeOperator, RoleAdminKos: ScopeOperator, RoleSuperAdmin: ScopeAny, RoleSystem: ScopeAny},
	ActionManageAccounts:      {RoleAdminKos: ScopeOperator, RoleSuperAdmin: ScopeAny},
	ActionViewBalance:         {RoleReceptionist: ScopeOperator, RoleAdminKos: ScopeOperator, RoleSuperAdmin: ScopeAny},
	ActionRequestWithdrawal:   {RoleAdminKos: ScopeOperator},
	ActionDecideWithdrawal:    {RoleSuperAdmin: ScopeAny},
	ActionMarkWithdrawalPaid:  {RoleSuperAdmin: ScopeAny, RoleSystem: ScopeAny},
}

// Subject identifies who owns the thing being acted on.
type Subject struct {
	OperatorID OperatorID
	CustomerID CustomerID
}

// Authorize checks the capability table for id performing action on subject.
func Authorize(id Identity, action Action, subject Subject) error {
	if id.IsZero() {
		return ErrUnauthorized
	}
	scope := permissions[action][id.Role]
	switch scope {
	case ScopeAny:
		return nil
	case ScopeOperator:
		if id.OperatorID != "" && id.OperatorID == subject.OperatorID {
			return nil
		}
	case ScopeOwn:
		if id.CustomerID != "" && id.CustomerID == subject.CustomerID {
			return nil
		}
	}
	return &ForbiddenError{Role: id.Role, Action: action}
}
