// Package registry contains the client for the central registry, the
// well-known service mapping topic and service names to node addresses and
// storing shared parameters, together with a minimal server implementation
// of the same RPC surface.
//
// The RPC channel is plain HTTP: one POST per method under /api, with a JSON
// request/response envelope. Nodes only ever use the Client; the Server
// exists so a deployment (or a test) can run a registry without external
// dependencies, optionally persisting parameters in a Badger database.
package registry
