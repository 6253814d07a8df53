/*
Package config loads and validates the orchestrator's runtime configuration.

Configuration comes from an optional YAML file plus the environment (prefix
DECLOUD_). The settlement wallet private key is only ever read from the
environment. Validation enforces option ranges (attestation timeout bounds,
fee percent, loop intervals) at startup so misconfiguration fails fast.
*/
package config
