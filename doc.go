// Package authflow is a headless controller for a multi-step signup and
// sign-in flow: profile choice, phone or email verification by one-time
// code, third-party sign-in, and exchange of the resulting proof token for
// a backend user record.
//
// An [Engine] is built once through [Builder] and holds the shared
// collaborators (challenge provider, exchange client, persistence, audit,
// metrics). Each user-facing flow session is a [Controller] from
// [Engine.NewFlow]; hosts call its transition methods and render [View].
//
// # Architecture boundaries
//
// authflow owns the step state machine and its synchronization with a
// [History] port. Field rules live in validate, the challenge lifecycle and
// resend cool-down in verification, backend calls in exchange, durable
// state in storage.
//
// # What this package must NOT do
//
//   - Treat EmailVerified or PhoneVerified as proof of a backend session.
//     Only the exchanged user record is.
//   - Hold the controller lock across provider or network calls.
//   - Retry an exchange whose proof token was rejected as unauthorized.
package authflow
