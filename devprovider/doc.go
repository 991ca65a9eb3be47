// Package devprovider is a self-hosted verification challenge provider.
//
// Challenge records live in Redis and are consumed atomically by a Lua
// script that enforces expiry and a bounded number of wrong guesses. Codes
// are stored only as SHA-256 hashes bound to their handle. Issuance is
// throttled per target with a fixed-window counter. A successful consume
// yields a signed proof token from package jwt.
//
// It satisfies verification.ChallengeProvider and is intended for local
// development, integration tests and load tests.
package devprovider
