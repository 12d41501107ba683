// Package topology turns harness configuration into the service graph of the
// local stack, validates it, derives the startup order from its dependency
// edges, and renders it as a compose descriptor.
package topology
