// Package exchange trades a proof token for an application session.
//
// Two endpoints are supported: the OTP endpoint, which takes the caller's
// profile attributes, and the OAuth endpoint, which takes none. Both
// authenticate with the proof token as a bearer credential and return the
// backend User record. A token rejected as unauthorized is remembered as
// spent and never sent again by the same Client.
package exchange
