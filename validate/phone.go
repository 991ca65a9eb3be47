package validate

import "strings"

// PhonePolicy describes the domestic mobile numbering rule for one country
// code.
type PhonePolicy struct {
	Digits        int
	LeadingDigits string
}

// DefaultCountryCode is the country code assumed when none is supplied.
const DefaultCountryCode = "+91"

// DefaultPhonePolicy is the ten-digit mobile plan starting with 6, 7, 8 or 9.
var DefaultPhonePolicy = PhonePolicy{Digits: 10, LeadingDigits: "6789"}

// PhonePolicies maps country codes to numbering policies.
type PhonePolicies map[string]PhonePolicy

// DefaultPhonePolicies returns the policy table used when none is configured.
func DefaultPhonePolicies() PhonePolicies {
	return PhonePolicies{DefaultCountryCode: DefaultPhonePolicy}
}

// For returns the policy registered for countryCode, falling back to
// DefaultPhonePolicy.
func (p PhonePolicies) For(countryCode string) PhonePolicy {
	if policy, ok := p[strings.TrimSpace(countryCode)]; ok {
		return policy
	}
	return DefaultPhonePolicy
}

// Phone validates v against DefaultPhonePolicy.
func Phone(v string) string {
	return DefaultPhonePolicy.Check(v)
}

// PhoneFor validates v against the policy for countryCode.
func (p PhonePolicies) PhoneFor(countryCode, v string) string {
	return p.For(countryCode).Check(v)
}

// Check validates a national number (without country code).
func (p PhonePolicy) Check(v string) string {
	if v == "" {
		return MsgPhoneRequired
	}
	if len(v) != p.Digits {
		return MsgPhoneInvalid
	}
	for i := 0; i < len(v); i++ {
		if !isDigit(v[i]) {
			return MsgPhoneInvalid
		}
	}
	if p.LeadingDigits != "" && strings.IndexByte(p.LeadingDigits, v[0]) < 0 {
		return MsgPhoneInvalid
	}
	return ""
}
