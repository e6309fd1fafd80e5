// Package operations runs workflow jobs in the background and remembers
// what each one last reported.
//
// A page submits a form, the handler starts a Job keyed by session and flow,
// and redirects. While the job polls the agent, the page re-renders from
// View and refreshes itself. Starting a new job for the same key cancels the
// old one, so a user who resubmits never has two loops racing on one flow.
// Canceled jobs publish nothing further and fire no continuations.
package operations
