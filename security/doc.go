// Package security provides the cross-cutting protections of the
// authorization server: audit logging with hashed PII, client secret
// hashing (bcrypt or argon2id), per-identifier rate limiting, client IP
// extraction behind proxies, request ids and security response headers.
package security
