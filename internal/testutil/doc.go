// Package testutil provides fixtures and helpers shared by the package
// tests: a controllable clock, random values, PKCE pairs and client
// fixtures.
package testutil
