// Package services is the operation layer shared by the ragd HTTP API,
// the MCP tool server and the CLI.
//
// A Service bundles the ingestion coordinator, the retrieval engine, the
// status store and the vector index behind the document lifecycle and
// query operations. Callers pass a tenant ID that upstream auth has
// already verified.
package services
