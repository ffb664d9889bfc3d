package chronicle

import (
	"os"
	"sort"
)

func newCycleSet() *cycleSet {
	return &cycleSet{
		set: map[int]struct{}{},
	}
}

type cycleSet struct {
	set map[int]struct{}
}

func (s *cycleSet) exist(cycle int) bool {
	_, ok := s.set[cycle]
	return ok
}

func (s *cycleSet) save(cycle int) {
	s.set[cycle] = struct{}{}
}

func (s *cycleSet) size() int {
	return len(s.set)
}

// list returns the cycles in ascending order.
func (s *cycleSet) list() []int {
	list := make([]int, 0, s.size())
	for cycle := range s.set {
		list = append(list, cycle)
	}
	sort.Ints(list)
	return list
}

func (s *cycleSet) first() (int, bool) {
	list := s.list()
	if len(list) == 0 {
		return 0, false
	}
	return list[0], true
}

func (s *cycleSet) last() (int, bool) {
	list := s.list()
	if len(list) == 0 {
		return 0, false
	}
	return list[len(list)-1], true
}

// next returns the smallest cycle greater than after.
func (s *cycleSet) next(after int) (int, bool) {
	for _, cycle := range s.list() {
		if cycle > after {
			return cycle, true
		}
	}
	return 0, false
}

// cycleDirectory maps cycles to store files of one queue directory. It keeps
// no state: other processes add files at any time, so every question is
// answered from a fresh listing.
type cycleDirectory struct {
	baseDir string
	rc      RollCycle
}

func (d *cycleDirectory) path(cycle int) string {
	return genStoreFileName(d.baseDir, d.rc, cycle)
}

func (d *cycleDirectory) scan() (*cycleSet, error) {
	return scanDirToParseCycles(d.baseDir, d.rc)
}

func (d *cycleDirectory) exists(cycle int) bool {
	_, err := os.Stat(d.path(cycle))
	return err == nil
}

func (d *cycleDirectory) firstCycle() (int, bool, error) {
	set, err := d.scan()
	if err != nil {
		return 0, false, err
	}
	cycle, ok := set.first()
	return cycle, ok, nil
}

func (d *cycleDirectory) lastCycle() (int, bool, error) {
	set, err := d.scan()
	if err != nil {
		return 0, false, err
	}
	cycle, ok := set.last()
	return cycle, ok, nil
}

func (d *cycleDirectory) nextCycle(after int) (int, bool, error) {
	set, err := d.scan()
	if err != nil {
		return 0, false, err
	}
	cycle, ok := set.next(after)
	return cycle, ok, nil
}
