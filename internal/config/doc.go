// Package config handles configuration loading for the spendsense console.
//
// # Configuration File
//
// Locations (in order):
//
//  1. Path from SPENDSENSE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/spendsense/console.toml (~/.config when unset)
//
// A missing default file is not an error; built-in defaults apply. Files
// ending in .yaml or .yml are parsed as YAML, anything else as TOML.
//
// # Environment Variables
//
// Values can reference environment variables with ${VAR_NAME}. After
// parsing, SPENDSENSE_GATEWAY_URL replaces gateway.url and SPENDSENSE_TOKEN
// supplies a credential to install at startup.
//
// # Example
//
//	[gateway]
//	url = "https://api.spendsense.example"
//	timeout = "15s"
//
//	[credential]
//	backend = "sqlite"           # file | sqlite | redis | memory
//	path = "/var/lib/spendsense/cred.db"
//
//	[credential.redis]
//	addr = "localhost:6379"
//	password = "${REDIS_PASSWORD}"
//	ttl = "24h"
//
//	[cache]
//	max_entries = 256
//	max_age = "10m"
//
//	[access]
//	steward_on_subject_routes = "redirect"   # or "allow"
//
//	[logging]
//	level = "info"
//	format = "text"
//
// Durations use time.ParseDuration syntax (ns, us, ms, s, m, h).
package config
