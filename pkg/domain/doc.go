// Package domain defines the core types shared by the harness: the service
// topology, broker topic layout, identities carried in tokens, and the object
// model exposed by the data service.
//
// This package has ZERO external dependencies outside the Go standard library.
// Other packages (topology, dataclient, verify, ...) build on these types and
// the dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
