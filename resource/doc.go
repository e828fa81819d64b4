// Package resource describes the objects an operator reacts to: the identity
// of a resource extracted from a watch event, the event itself, and the
// registration that tells the engine how to address a collection on the API
// server.
//
// A Meta can only be built from an object carrying a name, a resourceVersion,
// an apiVersion and a kind. Every request the engine issues on behalf of a
// reconciler is addressed from these fields, so malformed objects are rejected
// here, before they reach any outbound path.
package resource
