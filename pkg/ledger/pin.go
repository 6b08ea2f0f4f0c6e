package ledger

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SetPin stores a bcrypt hash of a 4-6 digit PIN. Replacing an existing PIN requires the current one.
func (service *Service) SetPin(ctx context.Context, userID UserID, pin string, currentPin string) error {
	operationError := service.setPin(ctx, userID, pin, currentPin)
	service.logOperation(ctx, OperationLog{
		Operation: operationSetPin,
		UserID:    userID,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) setPin(ctx context.Context, userID UserID, pin string, currentPin string) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if err := validatePinFormat(pin); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), service.pinCost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}

	unlock := service.locks.Lock(userID.String())
	defer unlock()

	return service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallet, err := service.getOrCreateWallet(ctx, txStore, userID, true)
			if err != nil {
				return err
			}
			if wallet.HasPin() {
				if err := comparePin(wallet.PinHash, currentPin); err != nil {
					return err
				}
			}
			wallet.PinHash = string(hash)
			return txStore.UpdateWallet(ctx, wallet)
		})
	})
}

// VerifyPin checks the PIN against the stored hash.
func (service *Service) VerifyPin(ctx context.Context, userID UserID, pin string) error {
	wallet, err := service.Wallet(ctx, userID)
	if err != nil {
		return err
	}
	if !wallet.HasPin() {
		return ErrPinNotSet
	}
	return comparePin(wallet.PinHash, pin)
}

// GuardPin verifies the PIN only when one has been configured.
func (service *Service) GuardPin(ctx context.Context, userID UserID, pin string) error {
	err := service.VerifyPin(ctx, userID, pin)
	if errors.Is(err, ErrPinNotSet) || errors.Is(err, ErrWalletNotFound) {
		return nil
	}
	return err
}

func comparePin(hash string, pin string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidPin
		}
		return fmt.Errorf("compare pin: %w", err)
	}
	return nil
}

func validatePinFormat(pin string) error {
	if len(pin) < minPinLength || len(pin) > maxPinLength {
		return fmt.Errorf("%w: must be %d-%d digits", ErrInvalidPin, minPinLength, maxPinLength)
	}
	for _, character := range pin {
		if character < '0' || character > '9' {
			return fmt.Errorf("%w: must contain digits only", ErrInvalidPin)
		}
	}
	return nil
}
