package inventory

import "errors"

// Business-rule errors are expected outcomes and are returned to the caller
// as-is; anything else coming out of a repository is a storage failure and is
// wrapped so the root cause stays inspectable.
var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrAlreadyReserved       = errors.New("already reserved")
	ErrAlreadySold           = errors.New("already sold")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrConflict              = errors.New("conflict")
)

// IsBusinessError reports whether err is one of the expected business-rule
// outcomes rather than an infrastructure failure.
func IsBusinessError(err error) bool {
	for _, e := range []error{
		ErrNotFound,
		ErrAlreadyExists,
		ErrInsufficientInventory,
		ErrAlreadyReserved,
		ErrAlreadySold,
		ErrInvalidArgument,
		ErrConflict,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
