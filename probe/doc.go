// Package probe runs scripted request sequences against a stdio JSON-RPC server and checks the answers.
//
// The default scenario is an MCP handshake followed by tool and resource discovery. Scenarios can also be
// loaded from YAML, see LoadScenario and FindScenario.
package probe
