package contracts

import (
	"errors"
	"fmt"
	"strings"

	"echo-chat/go-engine/pkg/models"
)

// FailureKind is the tagged failure surfaced to the presentation layer.
type FailureKind string

const (
	KindGatewayUnavailable       FailureKind = "GatewayUnavailable"
	KindCounterpartyUnregistered FailureKind = "CounterpartyUnregistered"
	KindNameNotFound             FailureKind = "NameNotFound"
	KindOperationNotSupported    FailureKind = "OperationNotSupported"
	KindInvalidIdentity          FailureKind = "InvalidIdentity"
	KindAlreadyRelated           FailureKind = "AlreadyRelated"
	KindSubmissionRejected       FailureKind = "SubmissionRejected"
	KindSuperseded               FailureKind = "Superseded"
	KindInvalidMessage           FailureKind = "InvalidMessage"
	KindUsernameTaken            FailureKind = "UsernameTaken"
	KindAlreadyRegistered        FailureKind = "AlreadyRegistered"
	KindActionInFlight           FailureKind = "ActionInFlight"
	KindInvalidUsername          FailureKind = "InvalidUsername"
)

var (
	ErrGatewayUnavailable       = errors.New("ledger gateway unavailable")
	ErrCounterpartyUnregistered = errors.New("counterparty has no ledger account")
	ErrNameNotFound             = errors.New("username not found")
	ErrOperationNotSupported    = errors.New("operation not supported")
	ErrInvalidIdentity          = errors.New("invalid identity")
	ErrAlreadyRelated           = errors.New("already related")
	ErrSubmissionRejected       = errors.New("ledger rejected submission")
	ErrSuperseded               = errors.New("result superseded by a newer request")
	ErrInvalidMessage           = errors.New("invalid message")
	ErrUsernameTaken            = errors.New("username already taken")
	ErrAlreadyRegistered        = errors.New("account already registered")
	ErrActionInFlight           = errors.New("relationship action already pending")
	ErrInvalidUsername          = errors.New("invalid username")
)

var sentinelByKind = map[FailureKind]error{
	KindGatewayUnavailable:       ErrGatewayUnavailable,
	KindCounterpartyUnregistered: ErrCounterpartyUnregistered,
	KindNameNotFound:             ErrNameNotFound,
	KindOperationNotSupported:    ErrOperationNotSupported,
	KindInvalidIdentity:          ErrInvalidIdentity,
	KindAlreadyRelated:           ErrAlreadyRelated,
	KindSubmissionRejected:       ErrSubmissionRejected,
	KindSuperseded:               ErrSuperseded,
	KindInvalidMessage:           ErrInvalidMessage,
	KindUsernameTaken:            ErrUsernameTaken,
	KindAlreadyRegistered:        ErrAlreadyRegistered,
	KindActionInFlight:           ErrActionInFlight,
	KindInvalidUsername:          ErrInvalidUsername,
}

// Retryable reports whether the caller may offer a manual retry. The engine
// itself never retries.
func (k FailureKind) Retryable() bool {
	return k == KindGatewayUnavailable || k == KindSuperseded
}

// EngineError is the typed failure returned by engine operations.
type EngineError struct {
	Kind     FailureKind
	Op       string
	Identity models.Identity
	Err      error
}

func Failure(kind FailureKind, op string, id models.Identity, err error) *EngineError {
	return &EngineError{Kind: kind, Op: strings.TrimSpace(op), Identity: id, Err: err}
}

func (e *EngineError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) Is(target error) bool {
	sentinel, ok := sentinelByKind[e.Kind]
	return ok && sentinel == target
}

// KindOf classifies any error into the failure taxonomy. Unclassified errors
// are treated as transport failures.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	for kind, sentinel := range sentinelByKind {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindGatewayUnavailable
}

// AsFailure wraps err into an EngineError, keeping an existing classification.
func AsFailure(op string, id models.Identity, err error) error {
	if err == nil {
		return nil
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		if engineErr.Identity == "" && id != "" {
			copied := *engineErr
			copied.Identity = id
			return &copied
		}
		return err
	}
	return Failure(KindOf(err), op, id, err)
}

const (
	ErrorCategoryAPI     = "api"
	ErrorCategoryLedger  = "ledger"
	ErrorCategoryStorage = "storage"
	ErrorCategoryNetwork = "network"
)

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryLedger:
		return ErrorCategoryLedger
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	case ErrorCategoryNetwork:
		return ErrorCategoryNetwork
	default:
		return ErrorCategoryAPI
	}
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      existing.Err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	switch KindOf(err) {
	case KindGatewayUnavailable:
		return ErrorCategoryNetwork
	case KindSubmissionRejected:
		return ErrorCategoryLedger
	}
	return ErrorCategoryAPI
}
