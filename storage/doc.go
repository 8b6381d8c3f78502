// Package storage provides the persistence contracts for the authorization
// server: clients, authorizations (standing consent grants), and token
// records, plus the conditional operations the pruning service relies on.
//
// The critical contract is AtomicConsumeToken: single-use semantics on
// authorization codes and rotated refresh tokens depend on the store
// performing the status check and the active->consumed flip as one
// conditional update.
package storage
