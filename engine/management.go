package engine

import (
	"strconv"
	"strings"
	"time"
)

// stateInfo is a parsed >STATE notification:
//
//	>STATE:<unix time>,<name>,<description>,<local ip>,<remote ip>,...
type stateInfo struct {
	Time        time.Time
	Name        string
	Description string
	LocalIP     string
	RemoteIP    string
}

func parseState(line string) (stateInfo, bool) {
	rest, ok := strings.CutPrefix(line, ">STATE:")
	if !ok {
		return stateInfo{}, false
	}
	fields := strings.Split(rest, ",")
	if len(fields) < 2 || fields[1] == "" {
		return stateInfo{}, false
	}
	var st stateInfo
	if sec, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
		st.Time = time.Unix(sec, 0)
	}
	st.Name = fields[1]
	if len(fields) > 2 {
		st.Description = fields[2]
	}
	if len(fields) > 3 {
		st.LocalIP = fields[3]
	}
	if len(fields) > 4 {
		st.RemoteIP = fields[4]
	}
	return st, true
}

// parseByteCount parses ">BYTECOUNT:<in>,<out>".
func parseByteCount(line string) (in, out int64, ok bool) {
	rest, found := strings.CutPrefix(line, ">BYTECOUNT:")
	if !found {
		return 0, 0, false
	}
	a, b, found := strings.Cut(rest, ",")
	if !found {
		return 0, 0, false
	}
	in, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	out, err = strconv.ParseInt(b, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return in, out, true
}
