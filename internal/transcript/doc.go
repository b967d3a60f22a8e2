// Package transcript renders conversation transcripts and snapshots them
// when a conversation closes.
package transcript
