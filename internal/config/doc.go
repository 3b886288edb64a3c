// Package config handles configuration loading for ollama-relay.
//
// # Overview
//
// Configuration is loaded from a TOML or YAML file with environment variable
// expansion. The file extension picks the syntax: .yaml and .yml are YAML,
// anything else is TOML.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from OLLAMA_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/ollama-relay/config.toml
//  3. ~/.config/ollama-relay/config.toml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	[matrix]
//	access_token = "${MATRIX_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Configuration Sections
//
//	[matrix]
//	homeserver = "https://matrix.org"
//	user_id = "@llama:matrix.org"
//	access_token = "${MATRIX_TOKEN}"   # or username + password
//	encryption = false
//
//	[ollama]
//	model = "llama3"
//	backends = ["http://gpu-1:11434", "http://gpu-2:11434"]
//	system_message = "You are a helpful assistant."
//	use_system_message = true
//	use_model_system_message = true
//
//	[backends]
//	poll_interval = "1s"      # how often a waiting request re-checks the pool
//	request_timeout = "5m"    # per backend call; empty means no timeout
//
//	[bridge]
//	allowed_rooms = []        # empty = every joined room
//	require_mention = true
//	reset_commands = ["!reset", "!clear"]
//	max_message_length = 4000
//	typing_interval = "20s"
//	render_markdown = true
//	notice = false
//	dedupe_ttl = "10m"
//
//	[database]
//	path = "~/.local/share/ollama-relay/ledger.db"  # empty disables the ledger
//
//	[logging]
//	level = "info"   # debug, info, warn, error
//	format = "text"  # text, json
//
// # Validation
//
// Load applies defaults for empty timing, length and logging fields, then
// checks that the homeserver, credentials, model and at least one http(s)
// backend are present.
package config
