// Package fixtures generates and persists the local test material the
// topology mounts or injects: the EC keypair and API key of the
// authentication service, the user list it serves tokens for, and the static
// page served by the data service.
//
// Everything here is a throwaway fixture for a local harness. Keys are written
// unencrypted next to the rendered compose file.
package fixtures
