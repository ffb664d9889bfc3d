package chronicle

import (
	"os"
	"path/filepath"
	"strings"
)

func mkdirIfNotExist(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return err
		}

		if err = os.MkdirAll(dir, os.ModePerm); err != nil {
			return err
		}
	}
	return nil
}

func genStoreFileName(baseDir string, rc RollCycle, cycle int) string {
	return filepath.Join(baseDir, rc.FileName(cycle))
}

func genCheckpointFileName(baseDir, name string) string {
	return filepath.Join(baseDir, name+checkpointFileSuffix)
}

// scanDirToParseCycles lists the cycles that have a store file in dir.
// Temporary files of stores still being initialised are skipped.
func scanDirToParseCycles(dir string, rc RollCycle) (*cycleSet, error) {
	set := newCycleSet()

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, err
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		fileName := file.Name()
		if !strings.HasSuffix(fileName, storeFileSuffix) {
			continue
		}

		cycle, ok := rc.ParseFileName(fileName)
		if !ok {
			continue
		}

		set.save(cycle)
	}

	return set, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
