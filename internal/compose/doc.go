// Package compose drives the container runtime through the docker compose CLI.
package compose
