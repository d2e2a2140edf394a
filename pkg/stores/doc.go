// Package stores persists orders and their audit trail to SQLite.
package stores
