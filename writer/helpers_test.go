package writer

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/INLOpen/nexusrelay/backlog"
	"github.com/INLOpen/nexusrelay/core"
)

// readBacklogValues returns the "value" field of every record stored in the
// backlog files of dir.
func readBacklogValues(t *testing.T, dir string) ([]int64, error) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, core.BacklogFilePrefix+"*"+core.BacklogFileSuffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var out []int64
	for _, m := range matches {
		if _, err := os.Stat(m); err != nil {
			return nil, err
		}
		_, records, err := backlog.ReadFile(m)
		if err != nil {
			return nil, err
		}
		out = append(out, valuesOf(records)...)
	}
	return out, nil
}
