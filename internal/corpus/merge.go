package corpus

// Merge appends additions to persisted, keeps the first record seen for each
// id, and drops every record whose id is in deletions. Records without an id
// are discarded. The inputs are not modified.
func Merge(persisted, additions []Record, deletions []string) []Record {
	deleted := make(map[string]struct{}, len(deletions))
	for _, id := range deletions {
		deleted[id] = struct{}{}
	}

	seen := make(map[string]struct{}, len(persisted)+len(additions))
	out := make([]Record, 0, len(persisted)+len(additions))
	for _, src := range [][]Record{persisted, additions} {
		for _, r := range src {
			if r.ID == "" {
				continue
			}
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			if _, ok := deleted[r.ID]; ok {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}
