// Package internal holds helpers that are private to authflow.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher and Sink implementations)
//   - clock: real and manual clocks behind the resend cool-down
//   - refbackend: reference identity-exchange server used by demos and tests
//
// random.go provides crypto-backed identifiers for flows and challenges.
package internal
