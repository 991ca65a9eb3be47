// Package oauth is the third-party sign-in port.
//
// A Provider runs an interactive sign-in and returns a proof token together
// with basic profile information. LoopbackProvider implements it with the
// OAuth 2.0 authorization-code flow and PKCE: it opens the system browser and
// receives the redirect on a short-lived local listener.
package oauth
