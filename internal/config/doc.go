// Package config loads, normalizes, and validates recfetch configuration.
//
// Configuration is read from TOML. Missing keys fall back to the defaults in
// Default(), except fetch.max_failed_fraction which has no default and must be
// set in the file or on the command line. Credentials may also come from the
// environment (RECFETCH_ACCESS_TOKEN, RECFETCH_IDENTITY_TOKEN) so they never
// have to live on disk.
package config
