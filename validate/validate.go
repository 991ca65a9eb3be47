package validate

import (
	"strings"
)

// Rejection reasons returned by the validators.
const (
	MsgNameRequired   = "Full name is required"
	MsgNameTooShort   = "Name must be at least 2 characters"
	MsgNameCharset    = "Name can only contain letters and spaces"
	MsgPhoneRequired  = "Mobile number is required"
	MsgPhoneInvalid   = "Please enter a valid phone number"
	MsgEmailRequired  = "Email is required"
	MsgEmailInvalid   = "Please enter a valid email address"
	MsgCodeIncomplete = "Please enter all 6 digits"
	MsgCodeRejected   = "Please enter a valid OTP number"
)

// CodeLength is the number of digit positions in a verification code.
const CodeLength = 6

const minNameLength = 2

// Name validates a full name: non-empty after trimming, at least two
// characters, letters and spaces only.
func Name(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return MsgNameRequired
	}
	if len(trimmed) < minNameLength {
		return MsgNameTooShort
	}
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if isASCIILetter(c) || isSpace(c) {
			continue
		}
		return MsgNameCharset
	}
	return ""
}

// Email validates the permissive local@domain.tld shape. It is not a full
// RFC 5322 check.
func Email(v string) string {
	if v == "" {
		return MsgEmailRequired
	}
	if strings.ContainsAny(v, " \t\r\n\f\v") {
		return MsgEmailInvalid
	}
	at := strings.IndexByte(v, '@')
	if at <= 0 || at != strings.LastIndexByte(v, '@') {
		return MsgEmailInvalid
	}
	domain := v[at+1:]
	dot := strings.LastIndexByte(domain, '.')
	if dot <= 0 || dot == len(domain)-1 {
		return MsgEmailInvalid
	}
	return ""
}

// CodeComplete reports MsgCodeIncomplete unless code has exactly CodeLength
// positions, each a single ASCII digit.
func CodeComplete(code []string) string {
	if len(code) != CodeLength {
		return MsgCodeIncomplete
	}
	for _, d := range code {
		if len(d) != 1 || !isDigit(d[0]) {
			return MsgCodeIncomplete
		}
	}
	return ""
}

// SubmitCode is the submit-time check: completeness first, then rejection of
// any code listed in blocklist. The blocklist is a test seam for simulating
// provider-side failures and is empty in production configurations.
func SubmitCode(code []string, blocklist []string) string {
	if msg := CodeComplete(code); msg != "" {
		return msg
	}
	joined := strings.Join(code, "")
	for _, blocked := range blocklist {
		if joined == blocked {
			return MsgCodeRejected
		}
	}
	return ""
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
