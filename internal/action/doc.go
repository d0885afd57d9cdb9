// Package action implements bulk action intake and persistence.
//
// A bulk action is one request to mutate a large set of entities. Intake
// validates the request against its registered handler, persists an action
// record, fans entities out into individually tracked work items (from an
// inline list or a streamed CSV upload), and enqueues the action for
// background processing unless it is scheduled for the future.
//
// The service layer depends on repository and queue interfaces defined in
// this package; the PostgreSQL implementations live in store.go,
// entity_store.go and audit_store.go.
package action
