// Package dedupe tracks operation handles so each one is polled at most once.
//
// A workflow claims a handle before polling it and settles it with the
// terminal outcome afterwards. Claiming a settled handle fails with
// ErrHandleSettled, so a finished operation is never resurrected by a
// replayed form or a stale page; claiming a handle that is still being
// polled fails with ErrHandleInFlight.
package dedupe
