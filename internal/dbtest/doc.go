/*
Package dbtest spins up database containers for tests, on top of the
testcontainers-go library.

Use this package when a test needs a database but not a specific deployment of
it. Tests needing a customised database should use the testcontainers-go
modules directly.

Containers are torn down as soon as their test completes. To inspect the
database after a failure instead, run the tests with:

	go test -dbtest.inspect

This package is intended to be used in tests only.
*/
package dbtest
