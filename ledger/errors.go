package ledger

import "fmt"

// Stable error codes surfaced in transaction results.
const (
	CodeInvalidTx           = "INVALID_TX"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNotFound            = "NOT_FOUND"
	CodeAlreadyExists       = "ALREADY_EXISTS"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeMaterialNotVerified = "MATERIAL_NOT_VERIFIED"
	CodeInvalidRecipient    = "INVALID_RECIPIENT"
	CodeAlreadyRecalled     = "ALREADY_RECALLED"
	CodeProductRecalled     = "PRODUCT_RECALLED"
)

// Error is a typed ledger failure. A failed operation leaves state
// untouched; the error surfaces verbatim to the caller.
type Error struct {
	Code    string
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

func errInvalidTx(detail string) *Error {
	return &Error{Code: CodeInvalidTx, Message: "malformed transaction", Detail: detail}
}

func errUnauthorized(detail string) *Error {
	return &Error{Code: CodeUnauthorized, Message: "caller is not authorized", Detail: detail}
}

func errNotFound(detail string) *Error {
	return &Error{Code: CodeNotFound, Message: "record not found", Detail: detail}
}

func errAlreadyExists(detail string) *Error {
	return &Error{Code: CodeAlreadyExists, Message: "record already exists", Detail: detail}
}

func errInvalidTransition(detail string) *Error {
	return &Error{Code: CodeInvalidTransition, Message: "status change not permitted", Detail: detail}
}

func errMaterialNotVerified(detail string) *Error {
	return &Error{Code: CodeMaterialNotVerified, Message: "raw material missing or unverified", Detail: detail}
}

func errInvalidRecipient(detail string) *Error {
	return &Error{Code: CodeInvalidRecipient, Message: "transfer target lacks an eligible role", Detail: detail}
}

func errAlreadyRecalled(detail string) *Error {
	return &Error{Code: CodeAlreadyRecalled, Message: "product is already recalled", Detail: detail}
}

func errProductRecalled(detail string) *Error {
	return &Error{Code: CodeProductRecalled, Message: "product is recalled", Detail: detail}
}
