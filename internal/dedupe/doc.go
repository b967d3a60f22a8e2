// Package dedupe remembers, for a bounded time, which message a client's
// retry key produced so repeated sends are acknowledged without saving twice.
package dedupe
