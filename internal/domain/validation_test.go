package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
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
		{"Uppercase is normalized", "  Ops@Example.COM ", true},
		{"Invalid email - no @", "testexample.com", false},
		{"Invalid email - no domain", "test@", false},
		{"Invalid email - no local part", "@example.com", false},
		{"Invalid email - multiple @", "test@@example.com", false},
		{"Invalid email - empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidateEmail(tt.email))
		})
	}
}

func TestNormalizeRecipients(t *testing.T) {
	t.Run("追加邮箱自身地址", func(t *testing.T) {
		got := NormalizeRecipients([]string{"A@x.com", "a@x.com", " "}, "Box@Mailzen.io")
		assert.Equal(t, []string{"a@x.com", "box@mailzen.io"}, got)
	})

	t.Run("已包含时不重复追加", func(t *testing.T) {
		got := NormalizeRecipients([]string{"box@mailzen.io"}, "box@mailzen.io")
		assert.Equal(t, []string{"box@mailzen.io"}, got)
	})
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "abc", TruncateText("abc", 10))
	assert.Len(t, TruncateText(strings.Repeat("x", 600), MaxErrorTextLength), MaxErrorTextLength)
	// 多字节字符不会被截断成非法 UTF-8
	assert.Equal(t, "邮", TruncateText("邮箱", 4))

	t.Run("非法字节不会截掉后续内容", func(t *testing.T) {
		got := TruncateText("ab\xffcdefgh", 8)
		assert.Equal(t, "ab\uFFFDcde", got)
		assert.True(t, utf8.ValidString(got))

		long := "\xfe" + strings.Repeat("x", 600)
		got = TruncateText(long, MaxErrorTextLength)
		assert.Len(t, got, MaxErrorTextLength)
		assert.True(t, utf8.ValidString(got))
	})
}

func TestEmailValidator(t *testing.T) {
	v := NewEmailValidator()
	assert.NoError(t, v.ValidateEmail("ops@example.com"))
	assert.ErrorIs(t, v.ValidateEmail("ops@"), ErrInvalidEmail)
	assert.ErrorIs(t, v.ValidateEmail(strings.Repeat("a", 65)+"@example.com"), ErrLocalPartTooLong)
	assert.ErrorIs(t, v.ValidateEmail("a@"+strings.Repeat("b", 250)+".com"), ErrEmailTooLong)
	assert.ErrorIs(t, v.ValidateDomain("bad_domain.com"), ErrInvalidDomain)
	assert.NoError(t, v.ValidateDomain("mail.example.com"))
}

func TestKindOf(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), BadRequest("quota exceeded"))
	assert.Equal(t, KindBadRequest, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "mailbox x not found", NotFound("mailbox %s not found", "x").Error())
}

func TestResolveCorrelationID(t *testing.T) {
	assert.Equal(t, "req-1", ResolveCorrelationID("", "  req-1 "))
	assert.Len(t, ResolveCorrelationID(strings.Repeat("a", 300)), MaxCorrelationIDLength)
	assert.Len(t, ResolveCorrelationID(), 36)
}

func TestMailboxQuota(t *testing.T) {
	m := &Mailbox{QuotaLimitMB: 2, UsedBytes: 2097151}
	remaining, limited := m.RemainingBytes()
	assert.True(t, limited)
	assert.Equal(t, int64(1), remaining)

	unlimited := &Mailbox{QuotaLimitMB: 0}
	_, limited = unlimited.RemainingBytes()
	assert.False(t, limited)
}
