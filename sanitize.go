package main

import (
	"path"
	"strings"
)

// sanitizeFilename reduces a client-supplied filename to a single safe
// path component. Directory separators of both flavors are treated as
// separators, everything before the last one is discarded, and control
// characters are stripped. An empty result means nothing safe remained
// and callers must reject the name.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c == 0x7f {
			continue
		}
		b.WriteByte(c)
	}
	clean := b.String()

	switch clean {
	case "", ".", "..", "/":
		return ""
	}
	return clean
}
