package domain

import "errors"

// ErrorKind 错误类别，决定错误如何向调用方暴露
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindAuth           ErrorKind = "auth"
	KindRateLimited    ErrorKind = "rate_limited"
	KindTransient      ErrorKind = "transient"
	KindParseAmbiguity ErrorKind = "parse_ambiguity"
	KindInternal       ErrorKind = "internal"
)

// Error 带类别标签的业务错误
type Error struct {
	Kind ErrorKind
	Msg  string
}

// NewError 创建带类别的业务错误
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) Error() string {
	return e.Msg
}

// KindOf 沿错误链查找第一个业务错误并返回其类别
//
// 未携带类别的错误一律视为 KindInternal。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind 判断错误链中是否包含指定类别的业务错误
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// 别名相关错误
var (
	ErrAliasNotFound      = NewError(KindNotFound, "relay email not found")
	ErrAddressTaken       = NewError(KindConflict, "relay address already exists")
	ErrQuotaExceeded      = NewError(KindQuotaExceeded, "relay email quota exceeded for current tier")
	ErrDescriptionTooLong = NewError(KindValidation, "description must be at most 20 characters")
	ErrRelayNotFound      = NewError(KindNotFound, "no active relay email for address")
	ErrAddressExhausted   = NewError(KindTransient, "could not allocate a unique relay address")
)

// 用户相关错误
var (
	ErrUserNotFound     = NewError(KindNotFound, "user not found")
	ErrUserExists       = NewError(KindConflict, "user already exists")
	ErrAccountDisabled  = NewError(KindAuth, "account is deactivated")
	ErrPermissionDenied = NewError(KindAuth, "permission denied")
	ErrSameEmail        = NewError(KindValidation, "New email is same as current email")
	ErrEmailInUse       = NewError(KindConflict, "Email already in use")
)
