package enumerator

import (
	"regexp"
	"strconv"
)

// Port flag shapes seen on database server command lines, tried in order.
// "--port 5432", "--port=5432", "-p 6379", "port=3306", "host:5432".
var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`--port[= ](\d{1,5})\b`),
	regexp.MustCompile(`(?:^|\s)-p\s*(\d{1,5})\b`),
	regexp.MustCompile(`\bport=(\d{1,5})\b`),
	regexp.MustCompile(`:(\d{2,5})(?:\s|$)`),
}

// ExtractPort pulls a TCP port out of a process command line. Absence of a
// recognizable flag yields nil, never an error.
func ExtractPort(commandLine string) *int {
	for _, re := range portPatterns {
		m := re.FindStringSubmatch(commandLine)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil || port < 1 || port > 65535 {
			continue
		}
		return &port
	}
	return nil
}
