/*
Package types defines the core data structures used throughout rsbackup
(§3): Host, Volume, Device, Store, and Backup, plus the selection
expressions used to pick which of them a run applies to.

Ownership is strict: the root Config exclusively owns Hosts, Devices,
and Stores; each Host exclusively owns its Volumes; each Volume
exclusively owns its Backups. Device-to-Store pairing is the one weak
reference in the model — established at runtime by the reconciliation
layer, and either side may have its pointer cleared without the other
being destroyed.
*/
package types
