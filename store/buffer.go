package store

import "sort"

// deltaBuffer holds deltas received ahead of the sequence the store can
// currently apply, for one domain key (spec §3.4, §4.2.4).
type deltaBuffer struct {
	entries []*Event
}

// add appends e to the buffer. It reports whether the buffer now exceeds
// bufferCap; the caller is responsible for clearing it and requesting a
// full resync when that happens (spec §4.2.2 rule 6).
func (b *deltaBuffer) add(e *Event) (overflow bool) {
	b.entries = append(b.entries, e)
	return len(b.entries) > bufferCap
}

func (b *deltaBuffer) clear() {
	b.entries = nil
}

func (b *deltaBuffer) len() int {
	return len(b.entries)
}

// flush sorts the buffer by ascending sequence and scans from the front,
// applying each entry that is now consumable via apply, discarding
// duplicates, and stopping at the first entry that still represents a gap
// (spec §4.2.4). Consumed and discarded entries are removed in bulk;
// anything after the halt point remains buffered.
//
// apply is called once per entry that is exactly meta.expected(); it must
// update meta itself (lastSeq, seenIds) as a side effect, mirroring what the
// main dispatch path does for a live in-order delta.
func (b *deltaBuffer) flush(meta *seqMeta, apply func(e *Event)) {
	if len(b.entries) == 0 {
		return
	}
	sort.SliceStable(b.entries, func(i, j int) bool {
		return b.entries[i].Sequence.Cmp(b.entries[j].Sequence) < 0
	})

	consumed := 0
	for _, e := range b.entries {
		if meta.seen(e.ID) || meta.isDuplicateSequence(e.Sequence) {
			consumed++
			continue
		}
		if e.Sequence.Cmp(meta.expected()) == 0 {
			apply(e)
			consumed++
			continue
		}
		break
	}
	b.entries = b.entries[consumed:]
}
