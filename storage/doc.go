// Package storage persists the signed-in user record and the raw proof
// token after a successful exchange.
//
// Values are written without expiry. A stale token read back by the host
// must still be validated server-side.
package storage
