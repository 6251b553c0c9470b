package sandbox

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"baagent/internal/types"
)

// splitCommand tokenises a command line shell-style: whitespace
// separated, single and double quotes grouping. It is deliberately
// simpler than a full shell - no expansion, no substitution - because
// anything that needs those does not belong in the sandbox anyway.
func splitCommand(cmdline string) ([]string, error) {
	var argv []string
	var cur strings.Builder
	var quote rune
	inToken := false

	for _, r := range cmdline {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				argv = append(argv, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, types.E(types.KindBadInput, "unterminated quote in command")
	}
	if inToken {
		argv = append(argv, cur.String())
	}
	return argv, nil
}

// validateCommand enforces the executable allow-list before any
// container is started. The check is on the basename of the first
// token, so "/usr/bin/ls" and "ls" are the same decision.
func validateCommand(cmdline string, allowList []string) ([]string, error) {
	argv, err := splitCommand(cmdline)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, types.E(types.KindBadInput, "empty command")
	}
	binary := filepath.Base(argv[0])
	for _, allowed := range allowList {
		if binary == allowed {
			return argv, nil
		}
	}
	return nil, types.E(types.KindNotPermitted, "command %q is not on the allow-list", binary)
}

var (
	pyImportRE     = regexp.MustCompile(`^\s*import\s+([\w.]+(?:\s*,\s*[\w.]+)*)`)
	pyFromImportRE = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
	pyDynamicRE    = regexp.MustCompile(`\b(exec|eval|__import__|compile)\s*\(|importlib\.`)
	pyOpenWriteRE  = regexp.MustCompile(`\bopen\s*\([^)]*,\s*['"](?:[rb]*[wax+][rbwax+]*)['"]`)
	pyShellRE      = regexp.MustCompile(`\b(os\.system|os\.popen|subprocess\.|pty\.spawn)\b`)
)

// scanPython statically rejects Python source that imports outside the
// module allow-list, reaches for dynamic execution, writes files, or
// shells out. Line-structured import analysis plus pattern checks for
// the call forms; comments are stripped before matching.
func scanPython(source string, moduleAllowList []string) error {
	allowed := make(map[string]bool, len(moduleAllowList))
	for _, m := range moduleAllowList {
		allowed[m] = true
	}

	for i, raw := range strings.Split(source, "\n") {
		line := stripPythonComment(raw)
		if strings.TrimSpace(line) == "" {
			continue
		}

		var modules []string
		if m := pyFromImportRE.FindStringSubmatch(line); m != nil {
			modules = []string{m[1]}
		} else if m := pyImportRE.FindStringSubmatch(line); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				modules = append(modules, strings.TrimSpace(part))
			}
		}
		for _, mod := range modules {
			root := strings.SplitN(mod, ".", 2)[0]
			if !allowed[root] {
				return types.E(types.KindNotPermitted,
					"line %d: import of %q is not on the module allow-list", i+1, root)
			}
		}

		if pyDynamicRE.MatchString(line) {
			return types.E(types.KindNotPermitted, "line %d: dynamic execution is not permitted", i+1)
		}
		if pyShellRE.MatchString(line) {
			return types.E(types.KindNotPermitted, "line %d: shell access is not permitted", i+1)
		}
		if pyOpenWriteRE.MatchString(line) {
			return types.E(types.KindNotPermitted, "line %d: file writes are not permitted", i+1)
		}
	}
	return nil
}

// stripPythonComment removes a trailing # comment, respecting string
// quotes well enough for the scanner's purposes.
func stripPythonComment(line string) string {
	var quote rune
	for i, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '#':
			return line[:i]
		}
	}
	return line
}

// scanGo parses submitted Go source and rejects imports outside the
// allow-list plus os/exec style escapes. Unparseable source is
// rejected outright.
func scanGo(source string, moduleAllowList []string) error {
	allowed := make(map[string]bool, len(moduleAllowList))
	for _, m := range moduleAllowList {
		allowed[m] = true
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "snippet.go", source, 0)
	if err != nil {
		return types.WrapErr(types.KindBadInput, "go source does not parse", err)
	}

	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if !allowed[path] {
			return types.E(types.KindNotPermitted,
				"import of %q is not on the module allow-list", path)
		}
	}

	var denied error
	ast.Inspect(file, func(n ast.Node) bool {
		if denied != nil {
			return false
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		pkg, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		if pkg.Name == "os" {
			switch sel.Sel.Name {
			case "Create", "OpenFile", "WriteFile", "Remove", "RemoveAll", "StartProcess":
				denied = types.E(types.KindNotPermitted,
					"os.%s is not permitted in sandboxed code", sel.Sel.Name)
			}
		}
		return true
	})
	return denied
}
