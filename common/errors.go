package common

import (
	"errors"
	"fmt"

	"github.com/hermeznetwork/tracerr"
)

// Wrap attaches a stack trace to the error
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return tracerr.Wrap(err)
}

// Unwrap returns the error without the stack trace
func Unwrap(err error) error {
	return tracerr.Unwrap(err)
}

// ErrNotInFF is used when the *big.Int does not fit inside the Finite Field
var ErrNotInFF = errors.New("BigInt not inside the Finite Field")

// ErrNumOverflow is used when a given value overflows the maximum capacity of the parameter
var ErrNumOverflow = errors.New("Value overflows the type")

// ErrAccountIDOverflow is used when the account tree is full (2**24 accounts)
var ErrAccountIDOverflow = errors.New("account id overflow, max value: 2**24 -1")

// ErrDone is used when a function returns earlier due to a cancelled context
var ErrDone = errors.New("done")

// IsErrDone returns true if the error or wrapped error is ErrDone
func IsErrDone(err error) bool {
	return Unwrap(err) == ErrDone
}

// Validation errors. They are caused by the content of a transaction and are
// returned verbatim to whoever submitted it.
var (
	ErrUnknownSender           = errors.New("unknown sender account")
	ErrBadSignature            = errors.New("invalid signature")
	ErrFeeTooLow               = errors.New("fee below minimum")
	ErrNonceTooLow             = errors.New("nonce below account nonce")
	ErrNonceGap                = errors.New("nonce gap too large")
	ErrNonceMismatch           = errors.New("nonce mismatch")
	ErrNonceOverflow           = errors.New("nonce overflow")
	ErrReplacementUnderpriced  = errors.New("replacement transaction fee not higher")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrUnknownToken            = errors.New("unknown token")
	ErrFeeTokenNotProcessable  = errors.New("fee token can not be processed")
	ErrRateLimit               = errors.New("rate limit reached")
	ErrAmountNotPackable       = errors.New("amount is not packable")
	ErrFeeNotPackable          = errors.New("fee is not packable")
	ErrAccountLocked           = errors.New("account is locked, ChangePubKey required")
	ErrInvalidChangePubKeyAuth = errors.New("invalid ChangePubKey authorization")
	ErrInvalidTx               = errors.New("malformed transaction")
	ErrOpTooLarge              = errors.New("operation does not fit in any block size")
	ErrDuplicateTx             = errors.New("transaction already known")
)

var validationErrors = []error{
	ErrUnknownSender, ErrBadSignature, ErrFeeTooLow, ErrNonceTooLow,
	ErrNonceGap, ErrNonceMismatch, ErrNonceOverflow, ErrReplacementUnderpriced,
	ErrInsufficientBalance, ErrUnknownToken, ErrFeeTokenNotProcessable,
	ErrRateLimit, ErrAmountNotPackable, ErrFeeNotPackable, ErrAccountLocked,
	ErrInvalidChangePubKeyAuth, ErrInvalidTx, ErrOpTooLarge, ErrDuplicateTx,
}

// ValidationKind returns the validation error err was built from, or nil
func ValidationKind(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) || errors.Is(Unwrap(err), target) {
			return target
		}
	}
	return nil
}

// IsValidationError returns true when err (or the error it wraps) is one of
// the transaction validation errors
func IsValidationError(err error) bool {
	return ValidationKind(err) != nil
}

// Invariant violations. Any of them halts the node.
var (
	ErrBlockGap            = errors.New("commit request out of order")
	ErrStateRootMismatch   = errors.New("restored state root does not match stored root")
	ErrConfirmedOpVanished = errors.New("confirmed priority operation vanished after reorg")
	ErrPriorityOpGap       = errors.New("priority operation serial ids are not contiguous")
	ErrL1TxFailed          = errors.New("L1 transaction reverted")
)

// FatalError marks an error after which the node must stop
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps err into a FatalError
func NewFatal(err error) error {
	return Wrap(&FatalError{Err: err})
}

// IsFatal returns true if err is or wraps a FatalError
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal) || errors.As(Unwrap(err), &fatal)
}
