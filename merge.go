package chatsync

import (
	"sort"
	"time"
)

type mergeable interface {
	Key() string
	Recency() time.Time
}

type mergeStats struct {
	dropped   int
	collapsed int
}

// mergeBy collapses records sharing a key, keeping the strictly more recent
// one (ties keep the earlier winner), then sorts with less. Records with no
// key are dropped.
func mergeBy[T mergeable](records []T, less func(a, b T) bool) ([]T, mergeStats) {
	var stats mergeStats
	if len(records) == 0 {
		return []T{}, stats
	}

	winners := make(map[string]int, len(records))
	out := make([]T, 0, len(records))
	for _, rec := range records {
		key := rec.Key()
		if key == "" {
			stats.dropped++
			continue
		}
		idx, seen := winners[key]
		if !seen {
			winners[key] = len(out)
			out = append(out, rec)
			continue
		}
		stats.collapsed++
		if rec.Recency().After(out[idx].Recency()) {
			out[idx] = rec
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].Key() < out[j].Key()
	})
	return out, stats
}

func chatroomLess(a, b Chatroom) bool {
	return a.Recency().After(b.Recency())
}

func messageLess(a, b Message) bool {
	return Normalize(a.Timestamp).Before(Normalize(b.Timestamp))
}

// MergeChatrooms deduplicates rooms and sorts them most recent first.
// It is a pure function of its input.
func MergeChatrooms(rooms []Chatroom) []Chatroom {
	out, _ := mergeBy(rooms, chatroomLess)
	return out
}

// MergeMessages deduplicates messages and sorts them oldest first by
// timestamp.
func MergeMessages(msgs []Message) []Message {
	out, _ := mergeBy(msgs, messageLess)
	return out
}
