package service

import (
	"bytes"
	"io"
	"os"
	"slices"
	"strings"
)

// peer directive keywords in chrony.conf and ntp.conf
var serverKeywords = []string{"server", "pool"}

// ServerLine is the directive written for the chosen peer.
func ServerLine(address string, secure bool) string {
	if secure {
		return "server " + address + " iburst nts"
	}
	return "server " + address + " iburst"
}

func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	return strings.SplitAfter(string(content), "\n")
}

func isDirective(line string, keywords []string) bool {
	fields := strings.Fields(line)
	return len(fields) >= 2 && slices.Contains(keywords, fields[0])
}

// RewriteServers replaces the server and pool directives with the single
// line, placed where the first directive was (or at the top when there
// were none). Other lines, including comments, are kept verbatim.
func RewriteServers(content []byte, line string) []byte {
	var out bytes.Buffer
	added := false

	for _, l := range splitLines(content) {
		if isDirective(l, serverKeywords) {
			if !added {
				out.WriteString(line + "\n")
				added = true
			}
			continue
		}
		out.WriteString(l)
	}

	if !added {
		return append([]byte(line+"\n"), content...)
	}
	return out.Bytes()
}

// FirstServer returns the address of the first server or pool directive.
func FirstServer(content []byte) string {
	for _, l := range splitLines(content) {
		if isDirective(l, serverKeywords) {
			return strings.Fields(l)[1]
		}
	}
	return ""
}

const timesyncdSection = "[Time]"

// RewriteTimesyncd sets NTP= in the [Time] section of timesyncd.conf.
// The first active NTP= line is replaced and further ones dropped; with
// no active NTP= line the setting is added after the section header, or
// a new section is appended.
func RewriteTimesyncd(content []byte, address string) []byte {
	line := "NTP=" + address + "\n"

	var out bytes.Buffer
	inTime := false
	sawSection := false
	added := false

	lines := splitLines(content)
	for i, l := range lines {
		trimmed := strings.TrimSpace(l)

		if strings.HasPrefix(trimmed, "[") {
			if inTime && !added {
				out.WriteString(line)
				added = true
			}
			inTime = trimmed == timesyncdSection
			if inTime {
				sawSection = true
			}
			out.WriteString(l)
			if inTime && !added && !hasActiveNTP(lines[i+1:]) {
				if !strings.HasSuffix(l, "\n") {
					out.WriteString("\n")
				}
				out.WriteString(line)
				added = true
			}
			continue
		}

		if inTime && strings.HasPrefix(trimmed, "NTP=") {
			if !added {
				out.WriteString(line)
				added = true
			}
			continue
		}
		out.WriteString(l)
	}

	if !sawSection {
		if out.Len() > 0 && !bytes.HasSuffix(out.Bytes(), []byte("\n")) {
			out.WriteString("\n")
		}
		out.WriteString(timesyncdSection + "\n" + line)
	}
	return out.Bytes()
}

// hasActiveNTP reports if the section starting at lines has an
// uncommented NTP= setting.
func hasActiveNTP(lines []string) bool {
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if strings.HasPrefix(trimmed, "[") {
			return false
		}
		if strings.HasPrefix(trimmed, "NTP=") {
			return true
		}
	}
	return false
}

// TimesyncdServer returns the first server of the active NTP= setting.
func TimesyncdServer(content []byte) string {
	inTime := false
	for _, l := range splitLines(content) {
		trimmed := strings.TrimSpace(l)
		if strings.HasPrefix(trimmed, "[") {
			inTime = trimmed == timesyncdSection
			continue
		}
		if inTime {
			if v, ok := strings.CutPrefix(trimmed, "NTP="); ok {
				if fields := strings.Fields(v); len(fields) > 0 {
					return fields[0]
				}
			}
		}
	}
	return ""
}

// ReplaceFile writes b to path through a temporary file and a rename so
// readers never see a partial file. The existing file mode is kept.
func ReplaceFile(path string, b []byte) (err error) {
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}

	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	n, err := f.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err1 := f.Close(); err == nil {
		err = err1
	}
	if err != nil {
		return err
	}

	if err = os.Chmod(tmpPath, mode); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
