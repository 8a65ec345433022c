// Package attributetwin provides a library for maintaining typed attributes of
// assets; An attribute is a named, typed value attached to an asset, and a
// runtime attribute is an attribute whose value is derived from other
// attributes through an expression.
//
// Attributes come in five categories (see Category): static attributes hold a
// literal value, alias attributes point at another attribute, dynamic
// attributes mirror a device telemetry channel, command attributes describe
// device commands, and runtime attributes are recomputed whenever one of their
// triggers changes.
//
// Changes to attribute values are announced as AttributeUpdated events on an
// at-least-once, unordered publish/subscribe stream (see Publisher and
// EventSource). Consumers of that stream (see package engine) recompute the
// dependent runtime attributes and announce their own changes in turn, so a
// change cascades through the dependency graph.
//
// The catalog of attribute definitions is abstracted by AttributeStore. This
// package ships an in-memory implementation (Catalog); package neo4jstore
// persists the catalog as a property graph.
package attributetwin
