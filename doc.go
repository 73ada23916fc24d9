// Package plexrpc implements a schema-free bidirectional RPC framework that
// multiplexes logical requests over one long-lived connection.
//
// Messages are JSON envelopes correlated by caller-chosen string ids; both
// sides of a connection may push, and the server can hibernate idle
// connections, serializing their state onto the socket and restoring it on
// the next inbound message (see the hub package). Methods are dotted names
// resolved through a registry with wildcard fallback (see the handler
// package); the jhttp package serves the same dispatch surface over HTTP
// POST along with hyperlinked discovery documents.
//
// The core types of this package are the wire envelopes (Request, Response,
// BatchRequest, BatchResponse), the Engine that executes requests against an
// Assigner, and the Client that coordinates calls, reconnection, and
// subscription events for the caller side.
package plexrpc
