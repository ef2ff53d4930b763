package walk

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

type ignoreRule = gitignore.Pattern

func ignored(rules []ignoreRule, parts []string, isDir bool) bool {
	return gitignore.NewMatcher(rules).Match(parts, isDir)
}

// readPatterns parses one ignore file. domain is the directory holding it,
// as path elements relative to the matching base.
func readPatterns(file string, domain []string) []ignoreRule {
	f, err := os.Open(file)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("gitignore_unreadable", "path", file, "error", err)
		}
		return nil
	}
	defer f.Close()

	var out []ignoreRule
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, gitignore.ParsePattern(line, domain))
	}
	return out
}

// appendTreeIgnores returns rules extended with dir/.gitignore. The input
// slice is never modified, so sibling subtrees do not see each other's rules.
func appendTreeIgnores(rules []ignoreRule, dir string, domain []string) []ignoreRule {
	extra := readPatterns(filepath.Join(dir, ".gitignore"), domain)
	if len(extra) == 0 {
		return rules
	}
	out := make([]ignoreRule, 0, len(rules)+len(extra))
	out = append(out, rules...)
	return append(out, extra...)
}

// repoIgnores are the rules of the git repository enclosing the walk root:
// .git/info/exclude and every .gitignore from the repository root down to,
// but not including, the walk root.
type repoIgnores struct {
	// prefix is the walk root relative to the repository root.
	prefix []string
	rules  []ignoreRule
}

func loadRepoIgnores(root string) *repoIgnores {
	repoRoot, ok := findRepoRoot(root)
	if !ok {
		slog.Debug("walk_no_repository", "root", root)
		return nil
	}
	rel, err := filepath.Rel(repoRoot, root)
	if err != nil {
		return nil
	}
	ri := &repoIgnores{}
	if rel != "." {
		ri.prefix = strings.Split(filepath.ToSlash(rel), "/")
	}

	ri.rules = append(ri.rules, readPatterns(filepath.Join(repoRoot, ".git", "info", "exclude"), nil)...)
	dir := repoRoot
	for i, part := range ri.prefix {
		ri.rules = append(ri.rules, readPatterns(filepath.Join(dir, ".gitignore"), ri.prefix[:i])...)
		dir = filepath.Join(dir, part)
	}
	slog.Debug("walk_repository_ignores", "repo", repoRoot, "rules", len(ri.rules))
	return ri
}

func findRepoRoot(start string) (string, bool) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
