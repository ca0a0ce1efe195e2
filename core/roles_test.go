package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorize(t *testing.T) {
	var (
		customer   = Identity{UserID: "u1", Role: RoleCustomer, CustomerID: "cust-1"}
		desk       = Identity{UserID: "u2", Role: RoleReceptionist, OperatorID: "op-1"}
		owner      = Identity{UserID: "u3", Role: RoleAdminKos, OperatorID: "op-1"}
		platform   = Identity{UserID: "u4", Role: RoleSuperAdmin}
		ownBooking = Subject{OperatorID: "op-1", CustomerID: "cust-1"}
		elsewhere  = Subject{OperatorID: "op-2", CustomerID: "cust-2"}
	)

	tests := []struct {
		name    string
		id      Identity
		action  Action
		subject Subject
		want    error
	}{
		{"customer books for self", customer, ActionCreateOnlineBooking, ownBooking, nil},
		{"customer books for someone else", customer, ActionCreateOnlineBooking, elsewhere, ErrForbidden},
		{"customer cannot walk in", customer, ActionCreateDirectBooking, ownBooking, ErrForbidden},
		{"desk walk-in at own kos", desk, ActionCreateDirectBooking, ownBooking, nil},
		{"desk walk-in at other kos", desk, ActionCreateDirectBooking, elsewhere, ErrForbidden},
		{"customer cannot check in", customer, ActionCheckIn, ownBooking, ErrForbidden},
		{"desk checks in", desk, ActionCheckIn, ownBooking, nil},
		{"customer renews own stay", customer, ActionRenew, ownBooking, nil},
		{"desk cannot manage accounts", desk, ActionManageAccounts, ownBooking, ErrForbidden},
		{"owner manages accounts", owner, ActionManageAccounts, ownBooking, nil},
		{"desk views balance", desk, ActionViewBalance, ownBooking, nil},
		{"customer cannot view balance", customer, ActionViewBalance, ownBooking, ErrForbidden},
		{"owner requests withdrawal", owner, ActionRequestWithdrawal, ownBooking, nil},
		{"desk cannot request withdrawal", desk, ActionRequestWithdrawal, ownBooking, ErrForbidden},
		{"owner cannot decide withdrawal", owner, ActionDecideWithdrawal, ownBooking, ErrForbidden},
		{"platform decides withdrawal", platform, ActionDecideWithdrawal, elsewhere, nil},
		{"platform cannot check in", platform, ActionCheckIn, ownBooking, ErrForbidden},
		{"system settles", SystemIdentity, ActionSettlePayment, elsewhere, nil},
		{"system marks payout", SystemIdentity, ActionMarkWithdrawalPaid, elsewhere, nil},
		{"anonymous", Identity{}, ActionViewBooking, ownBooking, ErrUnauthorized},
		{"operator role without operator", Identity{UserID: "u5", Role: RoleReceptionist}, ActionCheckIn, Subject{}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.id, tt.action, tt.subject)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "want %v got %v", tt.want, err)
		})
	}
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole("ADMINKOS")
	assert.True(t, ok)
	assert.Equal(t, RoleAdminKos, r)

	_, ok = ParseRole("SYSTEM")
	assert.False(t, ok, "the system role is never issued")
	_, ok = ParseRole("admin")
	assert.False(t, ok)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "ValidationError", Kind(Invalid("amount", "must be positive")))
	assert.Equal(t, "InsufficientBalance", Kind(&InsufficientBalanceError{AccountID: "acc-1"}))
	assert.Equal(t, "Forbidden", Kind(&ForbiddenError{Role: RoleCustomer, Action: ActionCheckIn}))
	assert.Equal(t, "NotFound", Kind(&NotFoundError{Entity: "booking", ID: "b"}))
	assert.Equal(t, "internal", Kind(errors.New("boom")))
}

func TestSumPayments(t *testing.T) {
	payments := []Payment{
		{Amount: NewMoney(100), Status: PaymentSettled},
		{Amount: NewMoney(50), Status: PaymentFailed},
		{Amount: NewMoney(200), Status: PaymentPending},
	}
	totals := SumPayments(payments)
	assert.True(t, totals.Settled.Equal(NewMoney(100)))
	assert.True(t, totals.Pending.Equal(NewMoney(200)))
	assert.Nil(t, totals.LastFailed, "a later pending payment supersedes the failure")

	totals = SumPayments(append(payments, Payment{ID: "pay-4", Amount: NewMoney(200), Status: PaymentExpired}))
	if assert.NotNil(t, totals.LastFailed) {
		assert.Equal(t, PaymentID("pay-4"), totals.LastFailed.ID)
	}
}
