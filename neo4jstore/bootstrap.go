package neo4jstore

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// schema lists the constraints and indexes of a database suitable for a Store.
//
// Attributes are keyed by their ID, which also prevents duplicate nodes caused
// by concurrent creates. A telemetry channel is bound to at most one dynamic
// attribute. Attributes are listed by asset.
var schema = []string{
	// We use key constraint instead of uniqueness constraint because we can
	// (it is only available in the enterprise edition).
	`CREATE CONSTRAINT attribute_id IF NOT EXISTS
	 FOR (a:` + attributeLabel + `)
	 REQUIRE a.id IS NODE KEY`,
	`CREATE CONSTRAINT dynamic_channel IF NOT EXISTS
	 FOR (a:Dynamic)
	 REQUIRE (a.deviceId, a.metricKey) IS UNIQUE`,
	`CREATE INDEX attribute_asset IF NOT EXISTS
	 FOR (a:` + attributeLabel + `)
	 ON (a.assetId)`,
}

// BootstrapDatabase creates the necessary constraints and indexes for the
// database to be suitable for use by a Store.
//
// To execute queries against the created database, open a session with the
// database name as the default database. For example:
//
//	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
//	defer func() { _ = s.Close(ctx) }()
//	... use s ...
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return errors.Wrap(err, "create database")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	// Schema commands cannot run in the same transaction as other commands, so
	// each runs in its own auto-commit transaction.
	for _, cypher := range schema {
		result, err := s.Run(ctx, cypher, nil)
		if err != nil {
			return errors.Wrapf(err, "create schema: %s", strings.Fields(cypher)[2])
		}
		if _, err := result.Consume(ctx); err != nil {
			return errors.Wrapf(err, "create schema: %s", strings.Fields(cypher)[2])
		}
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jstore: database name must not be empty")
	}
	if name == "neo4j" {
		panic("neo4jstore: database name must not be neo4j: reserved for system database")
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jstore: Names that begin with an underscore and with the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// create a new database if it does not exist
	result, err := s.Run(ctx, `
			CREATE DATABASE $name IF NOT EXISTS
		`, map[string]any{
		"name": name,
	})
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}
