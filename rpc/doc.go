// Package rpc is a JSON-RPC client for a child process speaking framed messages over its stdin and stdout.
//
// A Client sends one request at a time and waits for the response with the matching id. Notifications and
// responses meant for someone else are discarded on the way. Every wait is bounded by a deadline.
package rpc
