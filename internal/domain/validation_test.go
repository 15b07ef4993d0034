package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected bool
	}{
		{"Valid email", "test@example.com", true},
		{"Valid email with subdomain", "user@mail.example.com", true},
		{"Valid email with plus", "user+tag@example.com", true},
		{"Valid email mixed case", "  Alice@Real.Example ", true},
		{"Invalid email - no @", "testexample.com", false},
		{"Invalid email - no domain", "test@", false},
		{"Invalid email - no local part", "@example.com", false},
		{"Invalid email - multiple @", "test@@example.com", false},
		{"Invalid email - empty", "", false},
		{"Invalid email - spaces", "test @example.com", false},
		{"Invalid email - display name", "Bob <bob@example.com>", false},
		{"Invalid email - dotless domain", "bob@localhost", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateEmail(tt.email)
			assert.Equal(t, tt.expected, err == nil)
		})
	}
}

func TestValidateEmail_Normalizes(t *testing.T) {
	email, err := ValidateEmail("  Alice@Real.Example ")
	require.NoError(t, err)
	assert.Equal(t, "alice@real.example", email)
}

func TestValidateRelayLocalPart(t *testing.T) {
	tests := []struct {
		name      string
		localPart string
		expected  bool
	}{
		{"Single char", "a", true},
		{"Digits", "0123", true},
		{"Interior dot and dash", "john.doe-1", true},
		{"Upper case is folded", "Shop", true},
		{"Leading dot", ".abc", false},
		{"Trailing dash", "abc-", false},
		{"Underscore", "a_b", false},
		{"Empty", "", false},
		{"Too long", strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateRelayLocalPart(tt.localPart)
			assert.Equal(t, tt.expected, err == nil)
			if err != nil {
				assert.True(t, IsKind(err, KindValidation))
			}
		})
	}
}

func TestValidateDescription(t *testing.T) {
	desc, err := ValidateDescription("  newsletters  ")
	require.NoError(t, err)
	assert.Equal(t, "newsletters", desc)

	// 20 个多字节字符仍然合法
	_, err = ValidateDescription(strings.Repeat("邮", 20))
	assert.NoError(t, err)

	_, err = ValidateDescription(strings.Repeat("x", 21))
	assert.ErrorIs(t, err, ErrDescriptionTooLong)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(ErrAliasNotFound))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))

	wrapped := NewError(KindConflict, "dup")
	assert.True(t, IsKind(wrapErr(wrapped), KindConflict))
}

func TestQuotaAllows(t *testing.T) {
	free := DefaultQuotas(TierFree)
	assert.True(t, free.Allows(2))
	assert.False(t, free.Allows(3))
	assert.True(t, DefaultQuotas(TierPremium).Allows(1000))
}

func wrapErr(err error) error {
	return &wrapper{err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }
