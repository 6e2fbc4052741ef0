// Package mcp is a transport-agnostic engine for the Model Context Protocol (MCP), the
// JSON-RPC 2.0 based protocol that lets LLM-facing applications exchange prompts, resources,
// tools and sampling requests with external servers. See
// https://spec.modelcontextprotocol.io/specification/ for the wire-level specification this
// package implements.
//
// A Server multiplexes one or more concurrent sessions, each running the full MCP lifecycle:
// capability negotiation at initialize, method dispatch for prompts/resources/tools/logging,
// and graceful teardown. A Client drives the same lifecycle from the other end. Both are
// deliberately transport-agnostic — stdio and SSE implementations live alongside this package,
// and any ServerTransport/ClientTransport pair can be substituted without touching protocol
// logic.
package mcp
