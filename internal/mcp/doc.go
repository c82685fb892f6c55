// Package mcp exposes the ragd document and query operations as Model
// Context Protocol tools.
//
// The server is built on github.com/modelcontextprotocol/go-sdk/mcp and
// runs on the stdio transport. Every tool takes an explicit tenant_id or
// document_id; nothing is derived from the session.
package mcp
