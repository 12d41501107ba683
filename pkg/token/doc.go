// Package token issues, verifies and fetches the identity tokens exchanged
// between the authentication service and the data service.
//
// Tokens are ECDSA-signed JWTs whose claims carry the user's distinguished
// name as the label and the user's attributes as values, the same document
// the data service returns from its self endpoint.
package token
