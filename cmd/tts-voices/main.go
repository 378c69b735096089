package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/loqalabs/loqa-tts/internal/voices"
)

var version = "0.1.0-dev"

func main() {
	var manifestPath, modelDir string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", "voices.json", "Path to voices manifest")
	validateCmd.StringVar(&modelDir, "models", "", "Model directory; when set, referenced files must exist")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listCmd.StringVar(&manifestPath, "file", "voices.json", "Path to voices manifest")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'list' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		n, err := runValidate(manifestPath, modelDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("manifest valid: %d voices\n", n)
	case "list":
		listCmd.Parse(os.Args[2:])
		if err := runList(os.Stdout, manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func load(path string) (map[string]voices.Entry, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return voices.ParseManifest(data)
}

func runValidate(path, modelDir string) (int, error) {
	entries, dropped, err := load(path)
	if err != nil {
		return 0, err
	}
	if dropped > 0 {
		return len(entries), fmt.Errorf("%d voices admitted, %d dropped for lacking an .onnx model or .onnx.json config", len(entries), dropped)
	}
	if modelDir == "" {
		return len(entries), nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var errs []error
	for _, k := range keys {
		e := entries[k]
		for _, f := range []string{e.ModelFile, e.ConfigFile} {
			if _, err := os.Stat(filepath.Join(modelDir, f)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
			}
		}
	}
	return len(entries), errors.Join(errs...)
}

func runList(w io.Writer, path string) error {
	entries, _, err := load(path)
	if err != nil {
		return err
	}
	all := make([]voices.Entry, 0, len(entries))
	for _, e := range entries {
		all = append(all, e)
	}
	groups := voices.GroupByFamily(all)
	families := make([]string, 0, len(groups))
	for f := range groups {
		families = append(families, f)
	}
	sort.Strings(families)
	for _, f := range families {
		fmt.Fprintf(w, "%s:\n", f)
		for _, e := range groups[f] {
			fmt.Fprintf(w, "  %-32s %s\n", e.Key, e.DisplayName())
		}
	}
	return nil
}
