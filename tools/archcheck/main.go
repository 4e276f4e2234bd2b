// Command archcheck verifies that packages only import from their own
// architectural level or a lower one.
package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePath = "github.com/yairfalse/kirjuri/"

type Level int

const (
	LevelCmd Level = iota + 1
	LevelAssembly
	LevelOrchestration
	LevelAnalysis
	LevelLedger
	LevelPlatform
	LevelFoundation
)

var packageLevels = map[string]Level{
	"cmd":                LevelCmd,
	"internal/app":       LevelAssembly,
	"internal/capture":   LevelOrchestration,
	"internal/output":    LevelOrchestration,
	"internal/differ":    LevelAnalysis,
	"pkg/config":         LevelAnalysis,
	"internal/ledger":    LevelLedger,
	"internal/gate":      LevelLedger,
	"internal/events":    LevelLedger,
	"internal/source":    LevelLedger,
	"internal/storage":   LevelPlatform,
	"internal/logger":    LevelPlatform,
	"internal/metrics":   LevelPlatform,
	"internal/telemetry": LevelPlatform,
	"internal/errors":    LevelPlatform,
	"pkg/types":          LevelFoundation,
	"pkg/canonical":      LevelFoundation,
}

type Violation struct {
	FromFile    string
	FromPackage string
	FromLevel   Level
	ToPackage   string
	ToLevel     Level
}

// getPackageLevel returns the level of the longest matching prefix
func getPackageLevel(pkgPath string) Level {
	best, level := "", Level(0)
	for prefix, l := range packageLevels {
		if pkgPath != prefix && !strings.HasPrefix(pkgPath, prefix+"/") {
			continue
		}
		if len(prefix) > len(best) {
			best, level = prefix, l
		}
	}
	return level
}

func getPackageFromPath(root, filePath string) string {
	rel, err := filepath.Rel(root, filepath.Dir(filePath))
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

func checkFile(root, filePath string) ([]Violation, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, filePath, content, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}

	fromPackage := getPackageFromPath(root, filePath)
	fromLevel := getPackageLevel(fromPackage)
	if fromLevel == 0 {
		return nil, nil
	}

	var violations []Violation
	for _, imp := range node.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)
		if !strings.HasPrefix(importPath, modulePath) {
			continue
		}
		importPath = strings.TrimPrefix(importPath, modulePath)

		toLevel := getPackageLevel(importPath)
		if toLevel == 0 {
			continue
		}
		if toLevel < fromLevel {
			violations = append(violations, Violation{
				FromFile:    filePath,
				FromPackage: fromPackage,
				FromLevel:   fromLevel,
				ToPackage:   importPath,
				ToLevel:     toLevel,
			})
		}
	}
	return violations, nil
}

func walkGoFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func levelName(l Level) string {
	switch l {
	case LevelCmd:
		return "CMD (Level 1)"
	case LevelAssembly:
		return "ASSEMBLY (Level 2)"
	case LevelOrchestration:
		return "ORCHESTRATION (Level 3)"
	case LevelAnalysis:
		return "ANALYSIS (Level 4)"
	case LevelLedger:
		return "LEDGER (Level 5)"
	case LevelPlatform:
		return "PLATFORM (Level 6)"
	case LevelFoundation:
		return "FOUNDATION (Level 7)"
	default:
		return "UNKNOWN"
	}
}

func run(root string, w io.Writer) (int, error) {
	files, err := walkGoFiles(root)
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", root, err)
	}

	var all []Violation
	for _, file := range files {
		violations, err := checkFile(root, file)
		if err != nil {
			fmt.Fprintf(w, "skip %s: %v\n", file, err)
			continue
		}
		all = append(all, violations...)
	}
	fmt.Fprintf(w, "Checked %d Go files\n", len(files))

	if len(all) == 0 {
		fmt.Fprintln(w, "No architectural level violations found")
		return 0, nil
	}

	fmt.Fprintf(w, "Found %d architectural level violations:\n", len(all))
	byType := make(map[string][]Violation)
	for _, v := range all {
		key := fmt.Sprintf("%s -> %s", levelName(v.FromLevel), levelName(v.ToLevel))
		byType[key] = append(byType[key], v)
	}
	keys := make([]string, 0, len(byType))
	for k := range byType {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "\n%s (%d):\n", k, len(byType[k]))
		for _, v := range byType[k] {
			fmt.Fprintf(w, "  %s imports %s\n", v.FromFile, v.ToPackage)
		}
	}
	return len(all), nil
}

func main() {
	root := "."
	if len(os.Args) > 1 {
		root = os.Args[1]
	}

	fmt.Println("Kirjuri architecture level checker")
	fmt.Println("Rule: a package may only import from its own level or a lower one (higher number)")
	fmt.Println()

	n, err := run(root, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if n > 0 {
		os.Exit(1)
	}
}
