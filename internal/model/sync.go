package model

import "fmt"

// Mutation is one domain write: the local change and the remote effect it
// implies. Delete mutations carry no data.
type Mutation struct {
	Op         OpType
	Collection Collection
	DocumentID string
	Data       Document
}

// Validate checks the mutation shape.
func (m Mutation) Validate() error {
	if !m.Op.IsValid() {
		return fmt.Errorf("invalid operation type %q", m.Op)
	}
	if !m.Collection.IsValid() {
		return fmt.Errorf("unknown collection %q", m.Collection)
	}
	if m.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if m.Op.IsUpsert() {
		if m.Data == nil {
			return fmt.Errorf("%s on %s/%s requires data", m.Op, m.Collection, m.DocumentID)
		}
		if id := m.Data.ID(); id != "" && id != m.DocumentID {
			return fmt.Errorf("document id %q does not match data id %q", m.DocumentID, id)
		}
	}
	return nil
}

// Key returns the ordering key of the mutation.
func (m Mutation) Key() Key {
	return Key{Collection: m.Collection, DocumentID: m.DocumentID}
}

// Upsert builds an add or update mutation from a document with an id.
func Upsert(op OpType, c Collection, doc Document) Mutation {
	return Mutation{Op: op, Collection: c, DocumentID: doc.ID(), Data: doc}
}

// Delete builds a delete mutation.
func Delete(c Collection, id string) Mutation {
	return Mutation{Op: OpDelete, Collection: c, DocumentID: id}
}

// Key identifies a remote document. Operations sharing a key are replayed
// in timestamp order; there is no ordering across keys.
type Key struct {
	Collection Collection
	DocumentID string
}

// String returns "collection/document_id".
func (k Key) String() string {
	return string(k.Collection) + "/" + k.DocumentID
}

// SyncOperation is one outbox entry. Only the synced flag and the
// bookkeeping fields change after the entry is written.
type SyncOperation struct {
	ID            string     `json:"id"`
	OperationType OpType     `json:"operation_type"`
	Collection    Collection `json:"collection"`
	DocumentID    string     `json:"document_id"`
	Data          Document   `json:"data"`
	Timestamp     string     `json:"timestamp"`
	Synced        bool       `json:"synced"`

	// Payload is the stored encoding of Data. Data is only set once the
	// payload has been decoded.
	Payload string `json:"-"`

	Attempts   int    `json:"-"`
	LastError  string `json:"-"`
	DeadLetter bool   `json:"-"`
	SyncedAt   string `json:"-"`
}

// Key returns the ordering key of the operation.
func (op *SyncOperation) Key() Key {
	return Key{Collection: op.Collection, DocumentID: op.DocumentID}
}

// Mutation returns the remote effect of the operation.
func (op *SyncOperation) Mutation() Mutation {
	return Mutation{
		Op:         op.OperationType,
		Collection: op.Collection,
		DocumentID: op.DocumentID,
		Data:       op.Data,
	}
}
