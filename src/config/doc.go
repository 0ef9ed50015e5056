// Package config defines the configuration for Huddle.
//
// Regardless of how Huddle is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// options, Huddle relies on a data directory, defined by Config.DataDir, where
// the run command looks for an optional huddle.toml file, and where the badger
// database is created when the persistent store is enabled.
package config
