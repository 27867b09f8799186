// Package filehttp serves the file store over JSON/HTTP. Each route is bound
// to one rate limit category: the policy listing to "api", everything under
// /api/v1/files to "files".
package filehttp
