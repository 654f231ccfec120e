/*
Package types defines the shared data model of the executor: execution
modes, requests and results, policies and decisions, audit entries, error
kinds and the reserved constants (environment prefixes, exit-code
sentinels, the resource name prefix).

Types here are plain data with no behavior beyond parsing and
classification helpers, so every other package can depend on this one
without cycles.
*/
package types
