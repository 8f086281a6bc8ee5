package scan

// FindDuplicate returns the first record in snapshot whose file name and size both
// match, or nil. Different content with the same name and size still matches.
func FindDuplicate(snapshot []ScanRecord, name string, size int64) *ScanRecord {
	for i := range snapshot {
		if snapshot[i].FileMeta.Name == name && snapshot[i].FileMeta.Size == size {
			return &snapshot[i]
		}
	}
	return nil
}
