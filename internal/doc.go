// Package internal holds primitives shared across veloauth packages that must
// not become part of the public API, currently token hashing.
package internal
