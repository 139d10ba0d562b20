// Package config handles configuration loading for directline-gateway.
//
// # Configuration File
//
// Default location (see DefaultPath):
//
//  1. Path from DIRECTLINE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/directline/gateway.yaml
//  3. ~/.config/directline/gateway.yaml
//
// A missing file is not an error: Load returns the defaults. Files ending in
// .toml are decoded as TOML, anything else as YAML. Both formats use the same
// keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${DIRECTLINE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:3978"
//	  ws_addr: "127.0.0.1:3979"
//	  public_url: "http://localhost:3978"
//
//	auth:
//	  jwt_secret: "${DIRECTLINE_JWT_SECRET}"
//	  token_ttl: "30m"
//
//	bot:
//	  endpoint: "http://localhost:3980/api/messages"
//	  bot_id: "echo-bot"
//	  timeout: "10s"
//
//	attachments:
//	  max_bytes: 4194304
//
//	transcripts:
//	  path: "./transcripts.db"   # empty keeps transcripts in memory
//
//	dedupe:
//	  ttl: "5m"
//	  max_entries: 10000
//
//	logging:
//	  level: "info"              # debug, info, warn, error
//	  format: "text"             # text, json
//
// Durations use time.ParseDuration syntax and must be positive.
package config
