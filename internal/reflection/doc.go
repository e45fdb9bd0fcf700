// Package reflection implements the relay's IPv4 "what's my address" responder:
// a second UDP socket, independent of the tunnel relay, that echoes the
// caller's own observed endpoint back to it in an obfuscated reply shape.
package reflection
