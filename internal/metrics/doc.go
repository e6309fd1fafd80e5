// Package metrics exposes the portal's Prometheus metrics.
//
// Every polling invocation is counted by flow and outcome, with a histogram
// of status fetches per invocation. Submissions to the agent and each raw
// agent request are counted by result; agent latency is a histogram.
package metrics
