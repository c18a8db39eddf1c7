package scanrec

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var seqPattern = regexp.MustCompile(`_\d{4}`)

// UniquePath returns the first path of the form <stem>_NNNN<ext> that
// does not exist yet, with NNNN counting up from 0001.  A 4-digit
// sequence already present in the name is stripped first, so reusing a
// previous scan's filename keeps advancing the same sequence instead of
// nesting suffixes.
func UniquePath(path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	dir, name := filepath.Split(stem)
	if loc := seqPattern.FindStringIndex(name); loc != nil {
		name = name[:loc[0]] + name[loc[1]:]
	}
	stem = filepath.Join(dir, name)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%04d%s", stem, i, ext)
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("probing %s: %w", candidate, err)
		}
	}
}
