// Package types contains the shared data model and interfaces of the
// eventproc library.
//
// It exists as a separate package so that internal packages and pluggable
// adapters (stores, broker sessions) can depend on the contracts without
// importing the root eventproc package. The root package re-exports the
// commonly used symbols via type aliases.
package types
