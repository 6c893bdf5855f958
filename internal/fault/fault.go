// Package fault provides single instances of the errors used across the
// custody pipeline, grouped into classes so callers can match either a
// specific sentinel or a whole class with errors.Is / errors.As.
//
// Messages never carry key material, passwords, or plaintext.
package fault

// error base
type GenericError string

// classes of errors
type KeyGenerationError GenericError
type InvalidKeyMaterialError GenericError
type DecryptionError GenericError
type IntegrityError GenericError
type ExistsError GenericError
type NotFoundError GenericError
type InvalidStateTransitionError GenericError
type PartialCommitError GenericError
type TimeoutError GenericError
type UnauthorizedError GenericError
type ProcessError GenericError

// common errors - keep in alphabetic order within each class
var (
	ErrRandomSourceFailed = KeyGenerationError("randomness source unavailable")

	ErrInvalidIVLength       = InvalidKeyMaterialError("iv length is invalid")
	ErrInvalidKeyLength      = InvalidKeyMaterialError("key length is invalid")
	ErrInvalidPrivateKey     = InvalidKeyMaterialError("private key is invalid")
	ErrInvalidPublicKey      = InvalidKeyMaterialError("public key is invalid")
	ErrInvalidSalt           = InvalidKeyMaterialError("salt is too short")
	ErrKeyTooLargeToWrap     = InvalidKeyMaterialError("key is too large to wrap")
	ErrMalformedWrappedKey   = InvalidKeyMaterialError("wrapped key is malformed")
	ErrMalformedCiphertext   = DecryptionError("ciphertext is malformed")
	ErrDecryptionFailed      = DecryptionError("decryption failed")
	ErrIntegrityCheckFailed  = IntegrityError("plaintext hash does not match committed hash")
	ErrPaperAlreadyExists    = ExistsError("paper already exists on the ledger")
	ErrContentNotFound       = NotFoundError("content address is unknown")
	ErrExamNotFound          = NotFoundError("exam does not exist")
	ErrIdentityNotFound      = NotFoundError("identity is unknown")
	ErrKeyMaterialNotFound   = NotFoundError("no key material for identity")
	ErrPaperNotFound         = NotFoundError("paper does not exist")
	ErrInvalidTransition     = InvalidStateTransitionError("status transition is not permitted")
	ErrLedgerCommitPending   = PartialCommitError("blob stored but ledger commit failed, retry required")
	ErrMetadataWritePending  = PartialCommitError("ledger committed but metadata write failed, retry required")
	ErrTimeout               = TimeoutError("backend did not respond in time")
	ErrNotAuthorized         = UnauthorizedError("caller may not perform this operation")
	ErrPaperStillLocked      = UnauthorizedError("paper cannot be released before its unlock time")
	ErrWrongPassword         = UnauthorizedError("wrong password")
	ErrLedgerUnavailable     = ProcessError("ledger backend unavailable")
	ErrStoreUnavailable      = ProcessError("content store backend unavailable")
)

// the error interface base method
func (e GenericError) Error() string { return string(e) }

// the error interface methods
func (e KeyGenerationError) Error() string          { return string(e) }
func (e InvalidKeyMaterialError) Error() string     { return string(e) }
func (e DecryptionError) Error() string             { return string(e) }
func (e IntegrityError) Error() string              { return string(e) }
func (e ExistsError) Error() string                 { return string(e) }
func (e NotFoundError) Error() string               { return string(e) }
func (e InvalidStateTransitionError) Error() string { return string(e) }
func (e PartialCommitError) Error() string          { return string(e) }
func (e TimeoutError) Error() string                { return string(e) }
func (e UnauthorizedError) Error() string           { return string(e) }
func (e ProcessError) Error() string                { return string(e) }
