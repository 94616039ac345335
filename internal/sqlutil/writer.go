// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import "database/sql"

// The Writer interface is designed to solve the problem of how to handle
// database writes for database engines that don't allow concurrent writes,
// e.g. SQLite.
//
// The interface has a single Do function which takes an optional database
// parameter, an optional transaction parameter and a required function
// parameter. The Writer will call the function provided when it is safe to do
// so, optionally providing a transaction to use.
//
// The Writer will ensure that writes are queued up and executed in order.
// Only one write will be processed at a time and, while a transaction is open,
// all other writes will be queued behind it.
//
// You MUST take particular care not to call Do() from within the function
// supplied to another Do() call on the same writer, otherwise the writer
// deadlocks waiting for itself.
type Writer interface {
	// Queue up one or more database write operations within the
	// provided function to be executed when it is safe to do so.
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}
