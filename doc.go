// Package flowauth is an embeddable multi-stage authentication flow engine.
//
// A flow is an ordered list of stage references resolved against a live
// entity store. Starting an execution freezes the references it touched into
// an immutable snapshot, so a running login never observes configuration
// edits. Each execution is keyed by (session, flow) and cached with idle and
// absolute expiry.
//
// Access to a flow, and validation of prompt submissions, is decided by
// bindings: ordered user, group, and policy matchers with optional negation.
// Expression policies run in a restricted CUE sandbox with hard source and
// operation ceilings.
//
// Build an engine with the builder:
//
//	engine, err := flowauth.New().
//		WithDB(db).
//		WithRedis(rdb).
//		WithLoader(loader).
//		Build()
//
// Per request, create a Request (which carries a lazily opened transaction
// lease), resolve or start the execution, and Render or Submit. The flowhttp
// subpackage provides a ready HTTP surface with CSRF protection.
package flowauth
