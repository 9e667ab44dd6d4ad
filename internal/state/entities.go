// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/entity"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/mongo"
)

// entityStore implements entity.Store for one tenant's database.
type entityStore struct {
	session *mgo.Session
	dbName  string
	clock   clock.Clock
}

func (st *entityStore) entities() (mongo.Collection, mongo.SessionCloser) {
	session := st.session.Copy()
	return mongo.WrapCollection(session.DB(st.dbName).C(entitiesC)), session.Close
}

// entityDoc is the persisted shape of an entity.
type entityDoc struct {
	ID        string      `bson:"_id"`
	Type      string      `bson:"type"`
	Data      string      `bson:"data"`
	Metadata  metadataDoc `bson:"metadata"`
	CreatedAt time.Time   `bson:"created-at"`
	UpdatedAt time.Time   `bson:"updated-at"`
	DeletedAt *time.Time  `bson:"deleted-at,omitempty"`
}

type metadataDoc struct {
	TenantID string `bson:"tenant-id"`
	UserID   string `bson:"user-id"`
	Source   string `bson:"source,omitempty"`
}

func newMetadataDoc(m entity.Metadata) metadataDoc {
	return metadataDoc{TenantID: m.TenantID, UserID: m.UserID, Source: m.Source}
}

func (doc entityDoc) value() entity.Entity {
	return entity.Entity{
		ID:   doc.ID,
		Type: doc.Type,
		Data: doc.Data,
		Metadata: entity.Metadata{
			TenantID: doc.Metadata.TenantID,
			UserID:   doc.Metadata.UserID,
			Source:   doc.Metadata.Source,
		},
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
		DeletedAt: utcTimePtr(doc.DeletedAt),
	}
}

// notDeleted excludes soft-deleted documents from a selector.
var notDeleted = bson.DocElem{
	Name: "deleted-at", Value: bson.D{{"$exists", false}},
}

// Find is part of the entity.Store interface.
func (st *entityStore) Find(ctx context.Context, filter entity.Filter) ([]entity.Entity, error) {
	selector := bson.D{notDeleted}
	if len(filter.IDs) > 0 {
		selector = append(selector, bson.DocElem{
			Name: "_id", Value: bson.D{{"$in", filter.IDs}},
		})
	}
	if len(filter.Types) > 0 {
		selector = append(selector, bson.DocElem{
			Name: "type", Value: bson.D{{"$in", filter.Types}},
		})
	}

	coll, closer := st.entities()
	defer closer()
	var docs []entityDoc
	if err := coll.Find(selector).Sort("created-at", "_id").All(&docs); err != nil {
		return nil, errors.Annotate(err, "finding entities")
	}
	out := make([]entity.Entity, len(docs))
	for i, doc := range docs {
		out[i] = doc.value()
	}
	return out, nil
}

// Upsert is part of the entity.Store interface.
func (st *entityStore) Upsert(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e.ID == "" {
		return entity.Entity{}, errors.NotValidf("empty entity id")
	}
	now := mongoTime(st.clock.Now())
	coll, closer := st.entities()
	defer closer()

	// $setOnInsert keeps the original creation time when reviving or
	// replacing an existing document.
	_, err := coll.Writeable().UpsertId(e.ID, bson.D{
		{"$set", bson.D{
			{"type", e.Type},
			{"data", e.Data},
			{"metadata", newMetadataDoc(e.Metadata)},
			{"updated-at", now},
		}},
		{"$unset", bson.D{{"deleted-at", 1}}},
		{"$setOnInsert", bson.D{{"created-at", now}}},
	})
	if err != nil {
		return entity.Entity{}, errors.Annotatef(err, "upserting entity %q", e.ID)
	}
	return st.get(coll, e.ID)
}

// Update is part of the entity.Store interface.
func (st *entityStore) Update(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e.ID == "" {
		return entity.Entity{}, errors.NotValidf("empty entity id")
	}
	now := mongoTime(st.clock.Now())
	set := bson.D{
		{"data", e.Data},
		{"updated-at", now},
	}
	if e.Type != "" {
		set = append(set, bson.DocElem{Name: "type", Value: e.Type})
	}

	coll, closer := st.entities()
	defer closer()
	err := coll.Writeable().Update(
		bson.D{{"_id", e.ID}, notDeleted},
		bson.D{{"$set", set}},
	)
	if err == mgo.ErrNotFound {
		return entity.Entity{}, errors.NotFoundf("entity %q", e.ID)
	} else if err != nil {
		return entity.Entity{}, errors.Annotatef(err, "updating entity %q", e.ID)
	}
	return st.get(coll, e.ID)
}

// SoftDelete is part of the entity.Store interface.
func (st *entityStore) SoftDelete(ctx context.Context, id string) (entity.Entity, error) {
	now := mongoTime(st.clock.Now())
	coll, closer := st.entities()
	defer closer()
	err := coll.Writeable().Update(
		bson.D{{"_id", id}, notDeleted},
		bson.D{{"$set", bson.D{
			{"deleted-at", now},
			{"updated-at", now},
		}}},
	)
	if err == mgo.ErrNotFound {
		return entity.Entity{}, errors.NotFoundf("entity %q", id)
	} else if err != nil {
		return entity.Entity{}, errors.Annotatef(err, "deleting entity %q", id)
	}
	return st.get(coll, id)
}

// Insert is part of the entity.Store interface.
func (st *entityStore) Insert(ctx context.Context, entities []entity.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	now := mongoTime(st.clock.Now())
	docs := make([]interface{}, len(entities))
	for i, e := range entities {
		if e.ID == "" {
			return errors.NotValidf("empty entity id at index %d", i)
		}
		docs[i] = entityDoc{
			ID:        e.ID,
			Type:      e.Type,
			Data:      e.Data,
			Metadata:  newMetadataDoc(e.Metadata),
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	coll, closer := st.entities()
	defer closer()
	err := coll.Writeable().Insert(docs...)
	if mgo.IsDup(err) {
		return errors.AlreadyExistsf("entity")
	}
	return errors.Trace(err)
}

func (st *entityStore) get(coll mongo.Collection, id string) (entity.Entity, error) {
	var doc entityDoc
	if err := coll.FindId(id).One(&doc); err != nil {
		return entity.Entity{}, errors.Annotatef(err, "reading back entity %q", id)
	}
	return doc.value(), nil
}
