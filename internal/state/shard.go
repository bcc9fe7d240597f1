// Package state implements Persistence & Shard State (spec.md section
// 4.11): per-keyword resumable run state, append-only JSONL sinks for link
// and comment records, like-signature dedup, and the deterministic shard
// partition used to parallelize harvest without overlap.
package state

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"webauto/internal/logging"
)

// ShardBy selects the shard partition function.
type ShardBy string

const (
	// ShardByNoteIDHash partitions by fnv1a(noteId) mod count.
	ShardByNoteIDHash ShardBy = "noteId-hash"
	// ShardByIndexMod partitions by listIndex mod count.
	ShardByIndexMod ShardBy = "index-mod"
)

// ShardSpec is one worker's slice of the note universe.
type ShardSpec struct {
	Index int     `json:"index"`
	Count int     `json:"count"`
	By    ShardBy `json:"by,omitempty"`
}

// IsPartitioned reports whether this spec actually splits the universe.
func (s ShardSpec) IsPartitioned() bool {
	return s.Count > 1
}

// Validate rejects specs that cannot partition anything.
func (s ShardSpec) Validate() error {
	if s.Count <= 0 {
		return fmt.Errorf("shard count must be positive, got %d", s.Count)
	}
	if s.Index < 0 || s.Index >= s.Count {
		return fmt.Errorf("shard index %d out of range for count %d", s.Index, s.Count)
	}
	switch s.By {
	case "", ShardByNoteIDHash, ShardByIndexMod:
		return nil
	default:
		return fmt.Errorf("unknown shard partition %q", s.By)
	}
}

// Includes applies the shard rule (spec.md section 4.11): for noteId-hash,
// include a note iff fnv1a(noteId) mod count == index; for index-mod,
// listIndex mod count == index. A count of 1 includes everything.
func (s ShardSpec) Includes(noteID string, listIndex int) bool {
	if !s.IsPartitioned() {
		return true
	}

	var included bool
	switch s.By {
	case ShardByIndexMod:
		included = listIndex%s.Count == s.Index
	default: // noteId-hash
		included = int(fnv1a32(noteID)%uint32(s.Count)) == s.Index
	}

	logging.Audit().ShardAssigned(noteID, s.Index, s.Count, included)
	return included
}

// Filter returns the subset of noteIDs this shard owns, preserving order.
func (s ShardSpec) Filter(noteIDs []string) []string {
	if !s.IsPartitioned() {
		return noteIDs
	}
	out := make([]string, 0, len(noteIDs)/s.Count+1)
	for i, id := range noteIDs {
		if s.Includes(id, i) {
			out = append(out, id)
		}
	}
	return out
}

func fnv1a32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// noteIDPattern extracts the lowercase hex prefix of a detail path
// (spec.md section 3: link identity is noteId).
var noteIDPattern = regexp.MustCompile(`/explore/([0-9a-f]+)`)

// NoteIDFromURL extracts the noteId from a detail URL, empty if absent.
func NoteIDFromURL(url string) string {
	m := noteIDPattern.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

// LikeSignature derives the dedup key for likes/replies: a non-cryptographic
// hash of (noteId, userId, userName, text[:200]) per spec.md section 3.
func LikeSignature(noteID, userID, userName, text string) string {
	if len(text) > 200 {
		text = text[:200]
	}
	h := fnv.New64a()
	h.Write([]byte(strings.Join([]string{noteID, userID, userName, text}, "\x1f")))
	return fmt.Sprintf("%016x", h.Sum64())
}
