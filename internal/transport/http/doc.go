// Package http carries the authority's HTTP surface: license validation,
// billing webhook intake, the admin API and the health endpoints. Handlers
// depend on small service interfaces so they can be tested against mocks,
// and answer errors as RFC 7807 problem details.
package http
