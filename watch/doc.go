// Package watch subscribes to collections on a Kubernetes API server.
//
// A watch is a single long-lived GET with watch=true whose body is a stream
// of newline-delimited JSON records:
//
//	{"type":"ADDED","object":{...}}
//	{"type":"MODIFIED","object":{...}}
//
// Client.Open establishes one such stream and Stream.Next decodes it record
// by record. The server ends watches periodically, so Client.Run keeps the
// subscription alive by re-opening it with a capped exponential backoff
// until its context is cancelled. Only the first Open reports protocol
// errors (for example a 404 for an unknown collection) to the caller.
package watch
