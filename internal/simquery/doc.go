// Package simquery implements the session and query orchestration core of
// the prepaid SIM CRM gateway: session acquisition and staleness tracking,
// the two-tier fetch strategy (lightweight HTTP first, browser automation as
// fallback), response classification, bounded-TTL result caching, and the
// single-slot admission gate that serializes all automation work.
package simquery
