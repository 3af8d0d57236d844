package process

import (
	"os"
	"strconv"
	"strings"
)

// LoginShell resolves the current user's login shell: the /etc/passwd entry
// first, then $SHELL, then /bin/sh. Spawning through the login shell keeps
// aliases, functions, and rc-file behavior consistent with an interactive
// session.
func LoginShell() string {
	if shell := passwdShell(os.Getuid()); shell != "" {
		return shell
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// passwdShell scans /etc/passwd for the uid's shell field. Returns "" when
// the file is unreadable or the uid has no entry.
func passwdShell(uid int) string {
	data, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return ""
	}
	want := strconv.Itoa(uid)
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		if fields[2] == want {
			return strings.TrimSpace(fields[6])
		}
	}
	return ""
}
