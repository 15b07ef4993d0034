package domain

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = NewError(KindValidation, "invalid email format")
	ErrEmailTooLong     = NewError(KindValidation, "email address too long")
	ErrInvalidLocalPart = NewError(KindValidation, "invalid relay username format")
)

// 验证常量
const (
	MaxEmailLength       = 254 // 整个邮箱地址最大长度
	MaxLocalPartLength   = 64  // 本地部分最大长度(@前面)
	MaxDescriptionLength = 20  // 别名备注最大字符数
)

// 中继地址本地部分：首尾为字母数字，中间允许 . 和 -，允许单字符
var relayLocalPartRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]*[a-z0-9])?$`)

// NormalizeEmail 去除首尾空白并转为小写
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail 验证邮箱地址格式并返回规范化后的地址
func ValidateEmail(email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", ErrInvalidEmail
	}
	if len(email) > MaxEmailLength {
		return "", ErrEmailTooLong
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", ErrInvalidEmail
	}

	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || at > MaxLocalPartLength {
		return "", ErrInvalidEmail
	}
	if !strings.Contains(email[at+1:], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// ValidateRelayLocalPart 验证自定义中继地址的本地部分，返回小写形式
func ValidateRelayLocalPart(localPart string) (string, error) {
	localPart = strings.ToLower(strings.TrimSpace(localPart))
	if localPart == "" || len(localPart) > MaxLocalPartLength {
		return "", ErrInvalidLocalPart
	}
	if !relayLocalPartRegex.MatchString(localPart) {
		return "", ErrInvalidLocalPart
	}
	return localPart, nil
}

// ValidateDescription 验证别名备注长度（按字符计）
func ValidateDescription(description string) (string, error) {
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return "", ErrDescriptionTooLong
	}
	return description, nil
}
