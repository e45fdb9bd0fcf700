// Package announce implements the relay's one outbound HTTP call: telling a
// directory ("master") service that this instance is alive.
package announce
