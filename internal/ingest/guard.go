package ingest

// KnownThreads is the in-run set of thread ids that already have a ticket.
// It is seeded from the store and grows as the run creates or runs into tickets.
type KnownThreads struct {
	ids map[string]struct{}
}

func NewKnownThreads(ids []string) *KnownThreads {
	k := &KnownThreads{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		k.ids[id] = struct{}{}
	}
	return k
}

func (k *KnownThreads) Has(threadID string) bool {
	_, ok := k.ids[threadID]
	return ok
}

func (k *KnownThreads) Add(threadID string) {
	k.ids[threadID] = struct{}{}
}

func (k *KnownThreads) Len() int {
	return len(k.ids)
}
