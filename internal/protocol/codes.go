package protocol

import "strconv"

// Code is a three-digit BEEP reply code carried by error elements.
type Code int

const (
	CodeSuccess                   Code = 200
	CodeServiceNotAvailable       Code = 421
	CodeRequestedActionNotTaken   Code = 450
	CodeRequestedActionAborted    Code = 451
	CodeTemporaryAuthFailure      Code = 454
	CodeGeneralSyntaxError        Code = 500
	CodeSyntaxErrorInParameters   Code = 501
	CodeParameterNotImplemented   Code = 504
	CodeAuthenticationRequired    Code = 530
	CodeAuthMechanismInsufficient Code = 534
	CodeAuthenticationFailure     Code = 535
	CodeActionNotAuthorized       Code = 537
	CodeAuthMechanismNeedsCrypto  Code = 538
	CodeRequestedActionRejected   Code = 550
	CodeParameterInvalid          Code = 553
	CodeTransactionFailed         Code = 554
)

var codeText = map[Code]string{
	CodeSuccess:                   "success",
	CodeServiceNotAvailable:       "service not available",
	CodeRequestedActionNotTaken:   "requested action not taken",
	CodeRequestedActionAborted:    "requested action aborted",
	CodeTemporaryAuthFailure:      "temporary authentication failure",
	CodeGeneralSyntaxError:        "general syntax error",
	CodeSyntaxErrorInParameters:   "syntax error in parameters",
	CodeParameterNotImplemented:   "parameter not implemented",
	CodeAuthenticationRequired:    "authentication required",
	CodeAuthMechanismInsufficient: "authentication mechanism insufficient",
	CodeAuthenticationFailure:     "authentication failure",
	CodeActionNotAuthorized:       "action not authorised for user",
	CodeAuthMechanismNeedsCrypto:  "authentication mechanism requires encryption",
	CodeRequestedActionRejected:   "requested action not taken",
	CodeParameterInvalid:          "parameter invalid",
	CodeTransactionFailed:         "transaction failed",
}

// String returns the canonical description for known codes.
func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return "code " + strconv.Itoa(int(c))
}

// Valid reports whether c is a three-digit code.
func (c Code) Valid() bool {
	return c >= 100 && c <= 999
}
