package policy

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// toolRule is one tool-specific security rule. violation returns a
// non-empty reason when the input matches a forbidden shape.
type toolRule struct {
	category  string
	tools     map[string]bool // nil applies to all tools
	violation func(tool string, input map[string]any) string
}

func (r toolRule) applies(tool string) bool {
	return r.tools == nil || r.tools[tool]
}

var shellTools = map[string]bool{"Bash": true}

var fileReadTools = map[string]bool{"Read": true, "Glob": true, "Grep": true}

var fileWriteTools = map[string]bool{"Write": true, "Edit": true}

// destructivePatterns are shell command shapes that are denied outright,
// regardless of target.
var destructivePatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`\bdd\b[^|;]*\bof=/dev/`), "raw device write"},
	{regexp.MustCompile(`>\s*/dev/(sd|nvme|hd|vd)`), "raw device write"},
	{regexp.MustCompile(`\bmkfs(\.\w+)?\b`), "filesystem format"},
	{regexp.MustCompile(`\b(fdisk|parted|sfdisk|gdisk)\b`), "partition table edit"},
	{regexp.MustCompile(`\bsudo\b|\bsu\s+(-|root)\b`), "privilege escalation"},
	{regexp.MustCompile(`\b(curl|wget)\b[^|;]*\|\s*(ba|z|da)?sh\b`), "pipe download to shell"},
	{regexp.MustCompile(`\bchmod\b\s+(-R\s+)?(777|a\+rwx)`), "mass permission grant"},
	{regexp.MustCompile(`\bchown\b\s+-R\s+.*\s+/\s*$`), "recursive ownership change at root"},
	{regexp.MustCompile(`\b(shutdown|reboot|poweroff|halt)\b|\binit\s+[06]\b`), "system shutdown or reboot"},
}

// rmInvocation captures the arguments of each rm invocation up to the
// next command separator. Flags may appear before or after the paths.
var rmInvocation = regexp.MustCompile(`\brm\b([^|;&]*)`)

// sensitivePathPrefixes deny both reads and writes.
var sensitivePathPrefixes = []string{
	"/etc/shadow",
	"/etc/sudoers",
	"/proc/",
	"/sys/",
	"/boot/",
}

// sensitivePathParts deny access when they appear anywhere in the path.
var sensitivePathParts = []string{
	".ssh",
	".gnupg",
	".aws/credentials",
	".config/gcloud",
	".netrc",
	".env",
	"id_rsa",
	"id_ed25519",
}

// writeOnlyDenyPrefixes are readable but never writable.
var writeOnlyDenyPrefixes = []string{
	"/etc/",
	"/usr/",
	"/bin/",
	"/sbin/",
	"/lib/",
	"/var/lib/",
}

func defaultRules(scratchDir string) []toolRule {
	return []toolRule{
		{
			category:  CategoryShell,
			tools:     shellTools,
			violation: shellViolation(scratchDir),
		},
		{
			category:  CategoryPath,
			tools:     fileReadTools,
			violation: pathViolation(false),
		},
		{
			category:  CategoryPath,
			tools:     fileWriteTools,
			violation: pathViolation(true),
		},
	}
}

func shellViolation(scratchDir string) func(string, map[string]any) string {
	return func(_ string, input map[string]any) string {
		cmd, _ := input["command"].(string)
		if cmd == "" {
			return ""
		}
		for _, p := range destructivePatterns {
			if p.re.MatchString(cmd) {
				return "destructive command: " + p.reason
			}
		}
		if reason := recursiveDeleteViolation(cmd, scratchDir); reason != "" {
			return reason
		}
		return ""
	}
}

func recursiveDeleteViolation(cmd, scratchDir string) string {
	for _, m := range rmInvocation.FindAllStringSubmatch(cmd, -1) {
		var targets []string
		recursive := false
		optsDone := false
		for _, f := range strings.Fields(m[1]) {
			if !optsDone && f == "--" {
				optsDone = true
				continue
			}
			if !optsDone && strings.HasPrefix(f, "-") {
				if isRecursiveFlag(f) {
					recursive = true
				}
				continue
			}
			targets = append(targets, f)
		}
		if !recursive {
			continue
		}
		for _, target := range targets {
			clean := filepath.Clean(target)
			if clean == "/" || clean == "/*" || strings.HasPrefix(target, "/*") {
				return "recursive delete rooted at /"
			}
			if scratchDir != "" && pathWithin(clean, scratchDir) {
				continue
			}
			return "recursive delete outside scratch path: " + target
		}
	}
	return ""
}

func isRecursiveFlag(f string) bool {
	if strings.HasPrefix(f, "--") {
		return f == "--recursive"
	}
	return strings.ContainsAny(f[1:], "rR")
}

func pathViolation(write bool) func(string, map[string]any) string {
	return func(_ string, input map[string]any) string {
		path := pathFromInput(input)
		if path == "" {
			return ""
		}
		clean := filepath.Clean(path)
		for _, prefix := range sensitivePathPrefixes {
			if strings.HasPrefix(clean, strings.TrimSuffix(prefix, "/")) {
				return "sensitive path: " + prefix
			}
		}
		for _, part := range sensitivePathParts {
			if strings.Contains(clean, part) {
				return "sensitive path component: " + part
			}
		}
		if write {
			for _, prefix := range writeOnlyDenyPrefixes {
				if strings.HasPrefix(clean, prefix) {
					return "write to protected path: " + prefix
				}
			}
		}
		return ""
	}
}

func pathFromInput(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "pattern_path", "dir"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func pathWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func sortDenials(d []DenialCount) {
	sort.Slice(d, func(i, j int) bool {
		if d[i].Count != d[j].Count {
			return d[i].Count > d[j].Count
		}
		return d[i].Reason < d[j].Reason
	})
}
