// Package protocol owns the scan-stream wire contract.
//
// Ownership boundary:
// - frame reassembly into logical text messages
// - JSON codec with camelCase field names
// - inbound request and outbound message shapes
package protocol
