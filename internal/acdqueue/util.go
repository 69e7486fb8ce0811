package acdqueue

import "strconv"

// atoiDefault parses s as an integer, returning def on any parse failure.
// Used when applying loosely-typed realtime/INI values: an offending key
// is substituted with its default rather than failing the whole load.
func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
