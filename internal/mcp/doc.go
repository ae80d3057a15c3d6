// Package mcp exposes the auditor as MCP tools over stdio.
//
// Tools are registered with the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and call the audit runner and report store directly: audit_run runs a full
// audit, audit_evidence collects evidence without evaluators and report_get
// loads a stored report as JSON or Markdown.
package mcp
