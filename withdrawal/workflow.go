/*
Package withdrawal implements operator payout requests.

REQUEST FLOW:
  ┌─────────┐  approve   ┌──────────┐  payout rail  ┌──────┐
  │ PENDING │──────────▶ │ APPROVED │─────────────▶ │ PAID │
  └─────────┘            └──────────┘               └──────┘
       │ reject
       ▼
  ┌──────────┐
  │ REJECTED │
  └──────────┘

RESERVATION:
  A PENDING withdrawal holds its amount against the account's available
  balance without touching the ledger, the way a pending request holds
  balance before approval. Approval posts the debit; rejection simply
  releases the hold.

ATOMICITY:
  Request locks the account, computes
  available = posted - sum(PENDING) and inserts the new PENDING row in one
  transaction, so two concurrent requests cannot both spend the same funds.
*/
package withdrawal

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/kos-engine/core"
	"github.com/warp/kos-engine/metrics"
)

type Workflow struct {
	store  core.TxStore
	events core.Dispatcher
	now    core.Clock
	log    zerolog.Logger
}

type Options struct {
	Store  core.TxStore
	Events core.Dispatcher
	Clock  core.Clock
	Logger zerolog.Logger
}

func NewWorkflow(opts Options) *Workflow {
	w := &Workflow{
		store:  opts.Store,
		events: opts.Events,
		now:    opts.Clock,
		log:    opts.Logger.With().Str("component", "withdrawal").Logger(),
	}
	if w.events == nil {
		w.events = core.NopDispatcher{}
	}
	if w.now == nil {
		w.now = core.SystemClock
	}
	return w
}

// Decision is approve or reject.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Request reserves amount from account for payout to bankAccount. It fails
// with InsufficientBalance when amount exceeds the available balance.
func (w *Workflow) Request(ctx context.Context, id core.Identity, operator core.OperatorID, account core.AccountID, amount core.Money, bankAccount string) (core.Withdrawal, error) {
	if !amount.IsPositive() {
		return core.Withdrawal{}, core.Invalid("amount", "must be positive")
	}
	bankAccount = strings.TrimSpace(bankAccount)
	if bankAccount == "" {
		return core.Withdrawal{}, core.Invalid("bank_account", "is required")
	}
	if err := core.Authorize(id, core.ActionRequestWithdrawal, core.Subject{OperatorID: operator}); err != nil {
		return core.Withdrawal{}, err
	}

	var wd core.Withdrawal
	err := w.store.WithTx(ctx, func(s core.Store) error {
		acct, err := s.GetAccount(ctx, account)
		if err != nil {
			return err
		}
		if acct.OperatorID != operator {
			return &core.NotFoundError{Entity: "account", ID: string(account)}
		}
		if acct.Archived {
			return &core.AccountArchivedError{AccountID: account}
		}
		if err := s.LockAccount(ctx, account); err != nil {
			return err
		}

		now := w.now()
		view, err := core.AvailableTx(ctx, s, account, now)
		if err != nil {
			return err
		}
		if amount.GreaterThan(view.Available) {
			return &core.InsufficientBalanceError{
				AccountID: account,
				Available: view.Available,
				Requested: amount,
				Shortfall: amount.Sub(view.Available),
			}
		}

		wd = core.Withdrawal{
			ID:          core.WithdrawalID(core.NewID("wdr")),
			OperatorID:  operator,
			AccountID:   account,
			Amount:      amount,
			BankAccount: bankAccount,
			Status:      core.WithdrawalPending,
			RequestedBy: id.UserID,
			RequestedAt: now,
			Version:     1,
			UpdatedAt:   now,
		}
		if err := s.CreateWithdrawal(ctx, wd); err != nil {
			return err
		}
		return core.Audit(ctx, s, id, "withdrawal.request", "withdrawal", string(wd.ID), "", string(wd.Status), now)
	})
	metrics.WithdrawalOutcomes.WithLabelValues("request", metrics.Outcome(err)).Inc()
	if err != nil {
		w.log.Warn().Err(err).Str("account_id", string(account)).Str("amount", amount.String()).Msg("withdrawal request rejected")
		return core.Withdrawal{}, err
	}
	w.log.Info().Str("withdrawal_id", string(wd.ID)).Str("account_id", string(account)).
		Str("amount", amount.String()).Msg("withdrawal requested")
	w.dispatch(ctx, withdrawalEvent(core.EventWithdrawalCreated, wd, w.now()))
	return wd, nil
}

// Decide approves or rejects a PENDING withdrawal. Approval posts the debit
// and moves to APPROVED; the payout rail later marks it PAID.
func (w *Workflow) Decide(ctx context.Context, id core.Identity, withdrawalID core.WithdrawalID, decision Decision, reason string) (core.Withdrawal, error) {
	if decision != Approve && decision != Reject {
		return core.Withdrawal{}, core.Invalid("decision", "must be approve or reject")
	}
	var wd core.Withdrawal
	err := core.WithTxRetry(ctx, w.store, func(s core.Store) error {
		var err error
		if wd, err = s.GetWithdrawal(ctx, withdrawalID); err != nil {
			return err
		}
		if err := core.Authorize(id, core.ActionDecideWithdrawal, core.Subject{OperatorID: wd.OperatorID}); err != nil {
			return err
		}
		if wd.Status != core.WithdrawalPending {
			return &core.StateConflictError{Entity: "withdrawal", ID: string(wd.ID), Current: string(wd.Status), Action: string(decision)}
		}

		now := w.now()
		from := wd.Status
		if decision == Approve {
			_, err := core.DebitTx(ctx, s, core.LedgerEntry{
				AccountID:  wd.AccountID,
				Amount:     wd.Amount.Neg(),
				SourceType: core.SourceWithdrawal,
				SourceID:   string(wd.ID),
				Memo:       "withdrawal to " + wd.BankAccount,
				PostedBy:   id.UserID,
				PostedAt:   now,
			}, wd.ID)
			if err != nil {
				return err
			}
			wd.Status = core.WithdrawalApproved
		} else {
			wd.Status = core.WithdrawalRejected
			wd.Reason = reason
		}
		wd.DecidedAt = &now
		wd.DecidedBy = id.UserID
		wd.UpdatedAt = now
		if err := s.UpdateWithdrawal(ctx, &wd); err != nil {
			return err
		}
		return core.Audit(ctx, s, id, "withdrawal."+string(decision), "withdrawal", string(wd.ID), string(from), string(wd.Status), now)
	})
	metrics.WithdrawalOutcomes.WithLabelValues(string(decision), metrics.Outcome(err)).Inc()
	if err != nil {
		return core.Withdrawal{}, err
	}
	if decision == Approve {
		metrics.LedgerPostings.WithLabelValues(string(core.SourceWithdrawal)).Inc()
	}
	w.log.Info().Str("withdrawal_id", string(wd.ID)).Str("status", string(wd.Status)).
		Str("decided_by", string(id.UserID)).Msg("withdrawal decided")
	w.dispatch(ctx, withdrawalEvent(core.EventWithdrawalDecided, wd, w.now()))
	return wd, nil
}

// MarkPaid records that the payout rail transferred an APPROVED withdrawal.
// Repeating it with the same payout reference is a no-op.
func (w *Workflow) MarkPaid(ctx context.Context, id core.Identity, withdrawalID core.WithdrawalID, payoutRef string) (core.Withdrawal, error) {
	payoutRef = strings.TrimSpace(payoutRef)
	if payoutRef == "" {
		return core.Withdrawal{}, core.Invalid("payout_ref", "is required")
	}
	var (
		wd       core.Withdrawal
		replayed bool
	)
	err := core.WithTxRetry(ctx, w.store, func(s core.Store) error {
		var err error
		replayed = false
		if wd, err = s.GetWithdrawal(ctx, withdrawalID); err != nil {
			return err
		}
		if err := core.Authorize(id, core.ActionMarkWithdrawalPaid, core.Subject{OperatorID: wd.OperatorID}); err != nil {
			return err
		}
		if wd.Status == core.WithdrawalPaid && wd.PayoutRef == payoutRef {
			replayed = true
			return nil
		}
		if wd.Status != core.WithdrawalApproved {
			return &core.StateConflictError{Entity: "withdrawal", ID: string(wd.ID), Current: string(wd.Status), Action: "mark paid"}
		}
		now := w.now()
		wd.Status = core.WithdrawalPaid
		wd.PayoutRef = payoutRef
		wd.PaidAt = &now
		wd.UpdatedAt = now
		if err := s.UpdateWithdrawal(ctx, &wd); err != nil {
			return err
		}
		return core.Audit(ctx, s, id, "withdrawal.paid", "withdrawal", string(wd.ID), string(core.WithdrawalApproved), string(wd.Status), now)
	})
	metrics.WithdrawalOutcomes.WithLabelValues("mark_paid", metrics.Outcome(err)).Inc()
	if err != nil {
		return core.Withdrawal{}, err
	}
	if replayed {
		metrics.IdempotentReplays.WithLabelValues("withdrawal_paid").Inc()
		w.log.Info().Str("withdrawal_id", string(wd.ID)).Str("payout_ref", payoutRef).Msg("duplicate payout report ignored")
		return wd, nil
	}
	w.log.Info().Str("withdrawal_id", string(wd.ID)).Str("payout_ref", payoutRef).Msg("withdrawal paid")
	w.dispatch(ctx, withdrawalEvent(core.EventWithdrawalPaid, wd, w.now()))
	return wd, nil
}

func (w *Workflow) Get(ctx context.Context, id core.Identity, withdrawalID core.WithdrawalID) (core.Withdrawal, error) {
	wd, err := w.store.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return core.Withdrawal{}, err
	}
	if err := core.Authorize(id, core.ActionViewBalance, core.Subject{OperatorID: wd.OperatorID}); err != nil {
		return core.Withdrawal{}, err
	}
	return wd, nil
}

// List returns withdrawals visible to id. Operator roles see their own.
func (w *Workflow) List(ctx context.Context, id core.Identity, filter core.WithdrawalFilter) ([]core.Withdrawal, error) {
	switch id.Role {
	case core.RoleSuperAdmin, core.RoleSystem:
	case core.RoleAdminKos, core.RoleReceptionist:
		if filter.OperatorID != "" && filter.OperatorID != id.OperatorID {
			return nil, &core.ForbiddenError{Role: id.Role, Action: core.ActionViewBalance}
		}
		filter.OperatorID = id.OperatorID
	case "":
		return nil, core.ErrUnauthorized
	default:
		return nil, &core.ForbiddenError{Role: id.Role, Action: core.ActionViewBalance}
	}
	return w.store.ListWithdrawals(ctx, filter)
}

func withdrawalEvent(t core.EventType, wd core.Withdrawal, at time.Time) core.Event {
	return core.Event{
		ID:           core.NewID("evt"),
		Type:         t,
		OperatorID:   wd.OperatorID,
		WithdrawalID: wd.ID,
		Amount:       wd.Amount.String(),
		Attributes:   map[string]string{"status": string(wd.Status)},
		OccurredAt:   at,
	}
}

func (w *Workflow) dispatch(ctx context.Context, events ...core.Event) {
	if err := w.events.Dispatch(ctx, events...); err != nil {
		w.log.Error().Err(err).Msg("event dispatch failed")
	}
}
