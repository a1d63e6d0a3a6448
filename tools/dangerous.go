package tools

import "regexp"

var dangerousPatterns = []*regexp.Regexp{
	// Any recursive rm, whether the flags are combined or split.
	regexp.MustCompile(`\brm\s+(-\S+\s+)*(-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)(\s|$)`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+.*\bof=/dev/`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	regexp.MustCompile(`>\s*/dev/(sd|nvme|hd|disk)\w*`),
	regexp.MustCompile(`(?i)\bformat\s+[a-z]:`),
}

// IsDangerousCommand reports whether command matches a known destructive
// pattern.
func IsDangerousCommand(command string) bool {
	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
