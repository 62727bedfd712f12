package driver

// keyStrategy picks candidate descriptors for an ordering key, or returns nil
// when it does not apply.
type keyStrategy func([]KeyDescriptor) []KeyDescriptor

var keyStrategies = []keyStrategy{
	primaryKeyStrategy,
	smallestIndexStrategy(true),
	smallestIndexStrategy(false),
}

// SelectOrderingKey chooses the ordering key from index descriptors.
// The first strategy that matches wins: the primary key, then the unique index
// with the fewest columns, then the non-unique index with the fewest columns.
// Ties go to the index seen first. With no candidates it returns nil and the
// caller falls back to the table's first column.
func SelectOrderingKey(candidates []KeyDescriptor) []KeyDescriptor {
	for _, strategy := range keyStrategies {
		if key := strategy(candidates); len(key) > 0 {
			return key
		}
	}
	return nil
}

func primaryKeyStrategy(candidates []KeyDescriptor) []KeyDescriptor {
	var key []KeyDescriptor
	for _, c := range candidates {
		if c.IsPrimary {
			key = append(key, c)
		}
	}
	return key
}

func smallestIndexStrategy(uniqueOnly bool) keyStrategy {
	return func(candidates []KeyDescriptor) []KeyDescriptor {
		var best []KeyDescriptor
		bestCount := 0
		for _, group := range groupByIndex(candidates) {
			if uniqueOnly && !allUnique(group) {
				continue
			}
			count := group[0].IndexColumnCount
			if count <= 0 {
				count = len(group)
			}
			if best == nil || count < bestCount {
				best, bestCount = group, count
			}
		}
		return best
	}
}

// groupByIndex groups descriptors by owning index, preserving first-seen order.
func groupByIndex(candidates []KeyDescriptor) [][]KeyDescriptor {
	var groups [][]KeyDescriptor
	pos := make(map[string]int)
	for _, c := range candidates {
		i, ok := pos[c.IndexName]
		if !ok {
			i = len(groups)
			pos[c.IndexName] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}

func allUnique(group []KeyDescriptor) bool {
	for _, c := range group {
		if !c.IsUnique {
			return false
		}
	}
	return true
}
