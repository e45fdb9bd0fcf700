// Package config parses the relay's flag/env-driven configuration: the
// tunnel and reflection listen ports, table and rate-limit bounds, directory
// announce settings, and the logger it constructs from them.
package config
