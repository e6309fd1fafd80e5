// Package workflow implements the portal's page flows on top of the
// credential agent.
//
// Each flow follows the same shape: check the session's preconditions
// synchronously, then start a tracked job that submits one request to the
// agent and polls the returned handle with the shared poller. The terminal
// outcome drives the session transition:
//
//	done      -> session updated, success message
//	abandoned -> failure message, often the agent's errorMessage
//	timed out -> distinct timeout message
//
// Handles are claimed in a settled-handle registry before polling, so a
// handle that already reached a terminal outcome is never polled again.
// Every settled handle is written to the store's operations ledger.
//
// Synchronous steps (existing PHC check, bank verification, GitHub
// callback) return their result directly.
package workflow
