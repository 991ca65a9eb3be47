// Package validate holds the field validators that gate authentication flow
// transitions.
//
// Every validator is pure: it takes a raw field value and returns the empty
// string when the value is acceptable, or a human-readable rejection reason.
// Validators never panic and never touch shared state.
//
// Whether a rejection is shown to the user is a separate display concern
// handled by [Touched]; transition guards always call the validators directly.
package validate
