package libvirt

import (
	"path"
	"strings"
)

const (
	isoDirectoryIdentifierMaxLength = 31
	isoFileIdentifierMaxLength      = 30
)

// isoCharacters are the characters the ISO writer keeps in D-strings.
const isoCharacters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// isoPath converts a staging-relative path into the name the ISO writer
// gives it, which is what the guest sees on the mounted medium.
func isoPath(rel string) string {
	var segments []string
	for _, segment := range strings.Split(rel, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	if len(segments) == 0 {
		return ""
	}

	for i, segment := range segments {
		if i == len(segments)-1 {
			segments[i] = strings.TrimSuffix(isoFileName(segment), ";1")
			continue
		}
		segments[i] = isoDString(segment, isoDirectoryIdentifierMaxLength)
	}
	return path.Join(segments...)
}

func isoFileName(input string) string {
	input = strings.ToLower(input)
	parts := strings.Split(input, ".")

	version := "1"
	filename := parts[0]
	extension := ""
	if len(parts) > 1 {
		filename = strings.Join(parts[:len(parts)-1], "_")
		extension = parts[len(parts)-1]
	}

	extension = isoDString(extension, 8)

	maxFilenameLen := isoFileIdentifierMaxLength - (1 + len(version))
	if extension != "" {
		maxFilenameLen -= 1 + len(extension)
	}
	filename = isoDString(filename, maxFilenameLen)

	if extension != "" {
		return filename + "." + extension + ";" + version
	}
	return filename + ";" + version
}

func isoDString(input string, maxLen int) string {
	input = strings.ToLower(input)
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		c := rune(input[i])
		if strings.ContainsRune(isoCharacters, c) {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
