// Package verification implements the client side of a one-time-code
// challenge: issuing a challenge to a phone number or email address, holding
// the single pending session, consuming a submitted code for a proof token,
// and the resend cool-down.
//
// # Ordering
//
// At most one session is active. Starting a new challenge invalidates the
// previous session before the provider is called, so a late response from a
// superseded start is discarded and a code for the previous handle can never
// be consumed.
//
// The provider itself is a black box reached through [ChallengeProvider].
package verification
