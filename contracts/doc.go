// Package contracts defines what travels between services.
//
//   - Envelope: the serialized unit of work, with an action, a JSON payload
//     and free-form JSON metadata
//   - Action: the closed set of work types a router can be asked to perform
//   - Failure: the retry classification attached to handler errors
//
// Envelopes are immutable once built; WithMetadataValue returns a copy.
// Typed payload access goes through As, which distinguishes an absent
// payload from one that does not match the requested type.
package contracts
