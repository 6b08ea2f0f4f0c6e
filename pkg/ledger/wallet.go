package ledger

import (
	"fmt"
	"math"
)

// Wallet is the per-user balance aggregate. Mutators return an updated copy and never leave
// either balance negative.
type Wallet struct {
	UserID         UserID
	AvailableCents AmountCents
	PendingCents   AmountCents
	IsActive       bool
	PinHash        string
	Version        int64
	CreatedUnixUTC int64
}

// NewWallet returns an active, empty wallet for the user.
func NewWallet(userID UserID, createdUnixUTC int64) (Wallet, error) {
	if userID.IsZero() {
		return Wallet{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return Wallet{
		UserID:         userID,
		IsActive:       true,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// Balance returns the wallet summary.
func (wallet Wallet) Balance() Balance {
	return Balance{
		AvailableCents: wallet.AvailableCents,
		PendingCents:   wallet.PendingCents,
	}
}

// HasPin reports whether a PIN has been configured.
func (wallet Wallet) HasPin() bool {
	return wallet.PinHash != ""
}

// HasSufficientBalance compares the amount against the available balance.
func (wallet Wallet) HasSufficientBalance(amount PositiveAmountCents) bool {
	return wallet.AvailableCents >= amount.ToAmountCents()
}

// Credit adds to the pending balance when toPending is set, otherwise to the available balance.
func (wallet Wallet) Credit(amount PositiveAmountCents, toPending bool) (Wallet, error) {
	if err := validateMovement(amount); err != nil {
		return Wallet{}, err
	}
	if !wallet.IsActive {
		return Wallet{}, ErrWalletInactive
	}
	if toPending {
		pending, err := addCents(wallet.PendingCents, amount)
		if err != nil {
			return Wallet{}, err
		}
		wallet.PendingCents = pending
		return wallet, nil
	}
	available, err := addCents(wallet.AvailableCents, amount)
	if err != nil {
		return Wallet{}, err
	}
	wallet.AvailableCents = available
	return wallet, nil
}

// Debit subtracts from the available balance only.
func (wallet Wallet) Debit(amount PositiveAmountCents) (Wallet, error) {
	if err := validateMovement(amount); err != nil {
		return Wallet{}, err
	}
	if !wallet.IsActive {
		return Wallet{}, ErrWalletInactive
	}
	if !wallet.HasSufficientBalance(amount) {
		return Wallet{}, ErrInsufficientBalance
	}
	wallet.AvailableCents -= amount.ToAmountCents()
	return wallet, nil
}

// ConfirmPending moves funds from the pending balance to the available balance.
func (wallet Wallet) ConfirmPending(amount PositiveAmountCents) (Wallet, error) {
	if err := validateMovement(amount); err != nil {
		return Wallet{}, err
	}
	if wallet.PendingCents < amount.ToAmountCents() {
		return Wallet{}, ErrInsufficientPendingBalance
	}
	available, err := addCents(wallet.AvailableCents, amount)
	if err != nil {
		return Wallet{}, err
	}
	wallet.PendingCents -= amount.ToAmountCents()
	wallet.AvailableCents = available
	return wallet, nil
}

// CancelPending removes funds from the pending balance without crediting the available balance.
func (wallet Wallet) CancelPending(amount PositiveAmountCents) (Wallet, error) {
	if err := validateMovement(amount); err != nil {
		return Wallet{}, err
	}
	if wallet.PendingCents < amount.ToAmountCents() {
		return Wallet{}, ErrInsufficientPendingBalance
	}
	wallet.PendingCents -= amount.ToAmountCents()
	return wallet, nil
}

// Restore returns previously debited funds to the available balance. Unlike Credit it ignores the
// active flag: a reversal hands back money the wallet already owned.
func (wallet Wallet) Restore(amount PositiveAmountCents) (Wallet, error) {
	if err := validateMovement(amount); err != nil {
		return Wallet{}, err
	}
	available, err := addCents(wallet.AvailableCents, amount)
	if err != nil {
		return Wallet{}, err
	}
	wallet.AvailableCents = available
	return wallet, nil
}

func validateMovement(amount PositiveAmountCents) error {
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return nil
}

func addCents(balance AmountCents, amount PositiveAmountCents) (AmountCents, error) {
	if balance.Int64() > math.MaxInt64-amount.Int64() {
		return 0, fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	return balance + amount.ToAmountCents(), nil
}
