package storage

// segment is one (storage unit, intra-unit offset, span length) slice of a
// piece-relative byte range, after crossing file boundaries as needed.
type segment struct {
	unit   *StorageUnit
	offset int64
	length int64
}

// fileOffsets precomputes the starting byte offset of each file within the
// torrent's contiguous logical address space.
func fileOffsets(units []*StorageUnit) []int64 {
	offsets := make([]int64, len(units))
	var at int64
	for i, u := range units {
		offsets[i] = at
		at += u.Capacity()
	}
	return offsets
}

// spansFor maps the logical byte range [start, start+length) onto segments
// over units, crossing file boundaries as needed.
func spansFor(units []*StorageUnit, offsets []int64, start, length int64) []segment {
	var segs []segment
	remaining := length
	pos := start
	for i, u := range units {
		fileStart := offsets[i]
		fileEnd := fileStart + u.Capacity()
		if pos >= fileEnd {
			continue
		}
		if remaining <= 0 {
			break
		}
		intraOffset := pos - fileStart
		avail := fileEnd - pos
		take := remaining
		if take > avail {
			take = avail
		}
		segs = append(segs, segment{unit: u, offset: intraOffset, length: take})
		pos += take
		remaining -= take
	}
	return segs
}
