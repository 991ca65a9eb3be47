// Package jwt issues and verifies short-lived proof tokens: signed
// statements that a contact address completed a verification challenge or a
// third-party sign-in. Tokens carry a unique ID so a verifier can enforce
// single use.
package jwt
