package prescription

import "errors"

var (
	ErrPrescriptionNotFound      = errors.New("prescription not found")
	ErrItemNotFound              = errors.New("prescription item not found")
	ErrRegistrationNotFound      = errors.New("registration not found")
	ErrDuplicateItem             = errors.New("item already exists on this prescription")
	ErrAlreadyRegistered         = errors.New("prescription already has a tracking code")
	ErrRevokedCheckCode          = errors.New("prescription has revoked check codes")
	ErrMissingCheckCodes         = errors.New("prescription has items without check codes")
	ErrInvalidProviderBinding    = errors.New("active provider has no SIAM identifier")
	ErrCancellationNotSupported  = errors.New("cancellation is not supported for this insurer")
	ErrMobileRegistrationNeeded  = errors.New("patient mobile number must be registered with the insurer")
	ErrNotOwner                  = errors.New("prescription belongs to another physician")
	ErrCatalogEntryNotFound      = errors.New("catalog entry not found")
	ErrSalamatOnly               = errors.New("operation is only available for Salamat prescriptions")
)
