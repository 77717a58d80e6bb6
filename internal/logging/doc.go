// Package logging configures structured slog output for tonecapture.
// Logs are JSON lines written to a size-rotated file under ~/.tonecapture/logs
// and, optionally, mirrored to stderr as text for interactive use.
package logging
