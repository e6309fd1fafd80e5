// Package agent is the portal's client for the remote credential agent.
//
// # Overview
//
// The agent brokers wallet connections, builds proof requests, issues
// credentials and verifies presentations. The portal only submits requests and
// reads back state; every long-running exchange is identified by a handle:
//
//   - connections: the invitation's outOfBandId
//   - proofs: proofRecord.id
//   - credentials: credentialRecord.id
//
// State records (ConnectionState, ProofState, CredentialState) implement
// poller.Observation, so the state readers plug straight into poller.Run:
//
//	client, _ := agent.New(agent.Config{BaseURL: "http://localhost:3001"})
//	req, err := client.RequestPersonhoodProofFor(ctx, connectionID)
//	res, err := poller.Poll(ctx, req.ProofRecord.ID, client.VerificationState, opts)
//
// # Errors
//
// Every method returns *Error on failure. StatusCode is zero when the agent
// could not be reached; such errors also match ErrTransport.
package agent
