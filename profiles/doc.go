// Package profiles persists VPN profiles.
//
// Two backends implement vpn.ProfileStore: FileStore keeps profiles in a
// YAML document and SQLiteStore in a SQLite database. Both key profiles by
// name, keep insertion order, and let a later save of a name replace the
// earlier one in place.
package profiles
