// Package iam implements the user and role use cases.
//
// Every mutation runs inside coordinator.Run:
//
//	Validate → Run(tx, sp_1) → IdP calls → local writes + audit → Defer(commands)
//	       ↓ success                          ↓ failure
//	   COMMIT → dispatcher.Enqueue      ROLLBACK TO sp_1 → COMMIT → drop commands
//
// The local database is the system of record. Identity-provider calls happen
// inside the transaction so their failure aborts the local write; policy
// store commands are deferred until after commit so the policy store never
// sees a change the database rolled back.
//
// Operations never return an error or panic past their boundary. They
// return a Result whose Err method exposes the error kind for transports.
package iam
