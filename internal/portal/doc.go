// Package portal assembles the running server.
//
// New wires the SQLite store, the credential agent client, the operation
// tracker, the workflow service and the page handler onto one HTTP mux, next
// to /health, /health/ready and, when enabled, the Prometheus endpoint. Run
// listens on TCP or, with tailscale enabled, on a tsnet node (plain HTTP,
// tailnet HTTPS, or public Funnel) and purges expired sessions until its
// context ends. Shutdown cancels running flows before closing the store.
package portal
