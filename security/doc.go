// Package security provides the security primitives shared by the
// coordination core: PKCE challenge verification, audit logging with PII
// hashing, snapshot encryption at rest, clock-skew-tolerant expiry checks,
// token generation, and a process-level token-bucket rate limiter that
// fronts the durable windowed counters.
package security
