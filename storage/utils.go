package storage

import (
	"path/filepath"
	"strconv"
	"strings"
)

func FileNameWithoutExtension(fileName string) string {
	return fileName[:len(fileName)-len(filepath.Ext(fileName))]
}

// ParseID extracts the numeric id from names like "<prefix><id><ext>".
func ParseID(fileName, prefix, ext string) (uint64, bool) {
	if filepath.Ext(fileName) != ext || !strings.HasPrefix(fileName, prefix) {
		return 0, false
	}

	id, err := strconv.ParseUint(FileNameWithoutExtension(fileName)[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}
