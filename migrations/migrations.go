// Package migrations embeds the schema files applied by the test harnesses
// and by operators.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// SQL returns every migration concatenated in file-name order.
func SQL() (string, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return "", fmt.Errorf("migrations: list: %w", err)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		data, err := files.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("migrations: read %s: %w", name, err)
		}
		b.Write(data)
		b.WriteString("\n")
	}
	return b.String(), nil
}
