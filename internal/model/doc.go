// Package model defines the records of the inventory store and the
// outbox entries that carry them to the remote system of record.
//
// # Records
//
// Every record is identified by a string id and converts to and from a
// Document, the flat map shape persisted in the outbox payload and sent to
// remote backends:
//
//	item := &model.Item{ID: "42", Domain: model.DomainProduct, Name: "Flour"}
//	item.SetDefaults(time.Now())
//	doc := item.Document()
//	// doc["id"] == "42", doc["updated_at"] == "2026-01-10T07:36:29.000000000Z"
//
// Timestamps are stored as fixed-width UTC strings (TimeLayout) so their
// lexical order equals their time order; the remote last-write-wins check
// compares them as strings.
//
// # Collections
//
// Collections form a closed set. Products and residues share the items
// table and differ only by Domain:
//
//	products, residues -> items
//	groups             -> groups
//	history            -> history
//	settings           -> settings
//	dashboard_config   -> dashboard_config
//
// # Sync operations
//
// A SyncOperation is the outbox row for one intended remote effect. Its
// JSON form is the wire shape replayed against the remote store:
//
//	{
//	  "id": "0b7a...",
//	  "operation_type": "update",
//	  "collection": "products",
//	  "document_id": "42",
//	  "data": {"id": "42", "quantity": 5, ...},
//	  "timestamp": "2026-01-10T07:36:29.000000001Z",
//	  "synced": false
//	}
package model
