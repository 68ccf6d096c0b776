package service

import (
	"errors"
	"fmt"

	"cardledger/internal/repository"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance  = errors.New("INSUFFICIENT_BALANCE")
	ErrUserInactive         = errors.New("USER_INACTIVE")
	ErrAlreadySettled       = errors.New("ALREADY_SETTLED")
	ErrNotCompensable       = errors.New("NOT_COMPENSABLE")
	ErrWithdrawalInProgress = errors.New("WITHDRAWAL_IN_PROGRESS")
	ErrForbidden            = errors.New("FORBIDDEN")
	ErrInvalidAmount        = errors.New("INVALID_AMOUNT")
	ErrInvalidTransaction   = errors.New("INVALID_TRANSACTION")
	ErrCardStatusInvalid    = errors.New("CARD_STATUS_INVALID")
)

// 存储层错误直接透出，调用方只需引用 service 包
var (
	ErrUserNotFound         = repository.ErrUserNotFound
	ErrCardNotFound         = repository.ErrCardNotFound
	ErrTransactionNotFound  = repository.ErrTransactionNotFound
	ErrDuplicateTransaction = repository.ErrDuplicateTransaction
)

// InsufficientBalanceError 携带所需与可用金额
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("余额不足: 需要 %s, 可用 %s", e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }
