package probe

// truncateRunes returns the first max characters of s. Page text is counted
// in characters, so byte slicing would split multi-byte runes.
func truncateRunes(s string, max int) (string, bool) {
	if max < 0 {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}
