// Package util provides small helpers shared across the authorization server
// packages: log-safe truncation, scope set arithmetic and loopback detection.
package util
