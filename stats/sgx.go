package stats

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// ParseSGXStats extracts the enclave loader statistics from the captured
// stderr of an enclave execution. The loader prints lines such as
//
//	# of EENTERs:        139328
//	# of sync signals:   72
//
// Lines not starting with '#' and values that do not parse are ignored.
func ParseSGXStats(stderr []byte, counters LowLevelSgxCounters) SGXStats {
	s := SGXStats{Counters: counters}

	scanner := bufio.NewScanner(bytes.NewReader(stderr))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		switch parts[2] {
		case "EENTERs:":
			setField(&s.EEnter, parts, 3)
		case "EEXITs:":
			setField(&s.EExit, parts, 3)
		case "AEXs:", "AEXs":
			setField(&s.AExit, parts, 3)
		case "sync":
			setField(&s.SyncSignals, parts, 4)
		case "async":
			setField(&s.AsyncSignals, parts, 4)
		}
	}
	return s
}

func setField(dst *uint64, parts []string, pos int) {
	if len(parts) <= pos {
		return
	}
	if v, err := strconv.ParseUint(parts[pos], 10, 64); err == nil {
		*dst = v
	}
}
