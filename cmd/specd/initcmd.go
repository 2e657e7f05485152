package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specd/internal/config"
	"github.com/fyrsmithlabs/specd/internal/evidence"
)

var initCmd = &cobra.Command{
	Use:   "init SLUG",
	Short: "Allocate the next SPEC-ID for a project slug",
	Long: `Allocate a new SPEC-ID of the form SPEC-<SLUG>-<NNN>, numbered
after the highest existing id in the evidence root, and create its
evidence directory.

Examples:
  specd init kit        # -> SPEC-KIT-001, then SPEC-KIT-002, ...`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	slug := normalizeSlug(args[0])
	if slug == "" {
		return fmt.Errorf("slug must contain letters or digits")
	}

	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.close()

	specID := fmt.Sprintf("SPEC-%s-%03d", slug, nextSpecNumber(a.cfg.Evidence.Root, slug))

	dir := a.store.Dir(specID, evidence.CategoryCommands)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create evidence directory: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), specID)
	return nil
}

// normalizeSlug uppercases and strips everything but letters and digits.
func normalizeSlug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// nextSpecNumber scans existing evidence directories for the highest
// allocated number under the slug.
func nextSpecNumber(root, slug string) int {
	pattern := regexp.MustCompile(`^SPEC-` + regexp.QuoteMeta(slug) + `-(\d+)$`)
	max := 0
	for _, category := range []evidence.Category{evidence.CategoryCommands, evidence.CategoryConsensus} {
		entries, err := os.ReadDir(filepath.Join(root, string(category)))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			m := pattern.FindStringSubmatch(entry.Name())
			if m == nil {
				continue
			}
			if n, err := strconv.Atoi(m[1]); err == nil && n > max {
				max = n
			}
		}
	}
	return max + 1
}
