// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongo wraps mgo collection access so that every operation
// runs on its own copied session, returned to the pool by the closer.
package mongo

import (
	"github.com/juju/mgo/v3"
)

// SessionCloser returns the session a collection was obtained on back
// to the pool. Always call it when done with the collection.
type SessionCloser func()

// Collection exposes the read-only side of an mgo collection. Writes
// go through Writeable, which makes the handful of mutating call
// sites easy to audit.
type Collection interface {
	// Name returns the name of the collection.
	Name() string

	// Count returns the number of documents in the collection.
	Count() (int, error)

	// Find runs the query and returns a handle to iterate results.
	Find(query interface{}) *mgo.Query

	// FindId returns a query matching the document with the given id.
	FindId(id interface{}) *mgo.Query

	// Writeable gives access to the mutating methods.
	Writeable() WriteCollection
}

// WriteCollection adds the mutating methods to Collection.
type WriteCollection interface {
	Collection

	// Underlying returns the wrapped mgo collection.
	Underlying() *mgo.Collection

	// Insert adds documents to the collection.
	Insert(docs ...interface{}) error

	// Update modifies the first document matching the selector.
	Update(selector interface{}, update interface{}) error

	// UpdateId modifies the document with the given id.
	UpdateId(id interface{}, update interface{}) error

	// UpdateAll modifies every document matching the selector.
	UpdateAll(selector interface{}, update interface{}) (*mgo.ChangeInfo, error)

	// UpsertId modifies the document with the given id, inserting it
	// if it does not exist.
	UpsertId(id interface{}, update interface{}) (*mgo.ChangeInfo, error)

	// Remove deletes the first document matching the selector.
	Remove(selector interface{}) error

	// RemoveId deletes the document with the given id.
	RemoveId(id interface{}) error
}

// CollectionFromName returns the named collection on a copied session,
// and the closer that releases the session.
func CollectionFromName(db *mgo.Database, coll string) (Collection, SessionCloser) {
	session := db.Session.Copy()
	newColl := db.C(coll).With(session)
	return WrapCollection(newColl), session.Close
}

// WrapCollection returns a Collection over the given mgo collection.
func WrapCollection(coll *mgo.Collection) Collection {
	return collectionWrapper{coll}
}

type collectionWrapper struct {
	*mgo.Collection
}

// Name is part of the Collection interface.
func (cw collectionWrapper) Name() string {
	return cw.Collection.Name
}

// Writeable is part of the Collection interface.
func (cw collectionWrapper) Writeable() WriteCollection {
	return cw
}

// Underlying is part of the WriteCollection interface.
func (cw collectionWrapper) Underlying() *mgo.Collection {
	return cw.Collection
}
