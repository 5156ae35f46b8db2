// Package logging provides structured logging for the Savant Audio service.
//
// It wraps log/slog so every record carries the service name and build
// version. Format and level come from the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log secrets, tokens or passwords.
package logging
