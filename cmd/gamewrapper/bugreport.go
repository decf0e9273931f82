package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/riddles/gamewrapper/internal/config"
	"github.com/spf13/cobra"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportLoadFn    = config.Load
)

func newBugreportCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "bugreport",
		Short: "Collect recent match logs and settings into a diagnostic bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBugReport(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "additional config file")
	return cmd
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	MatchID   string
	Result    string
	Warnings  []string
}

func runBugReport(ctx context.Context, configPath string, out io.Writer) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cfg, err := bugreportLoadFn(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bundlePath := filepath.Join(filepath.Clean(cwd), fmt.Sprintf(".gamewrapper-bugreport-%s.tar.gz", bugreportNowFn().Format("20060102-150405")))
	stagingDir, err := os.MkdirTemp("", "gamewrapper-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
	}

	logFiles, warnings := copyRecentLogs(cfg.LogDir, stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)
	summary.RunID, summary.MatchID = extractLastCorrelation(logFiles)
	if summary.RunID == "" && summary.MatchID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id/match_id found in copied logs")
	}

	configSources := []string{
		filepath.Join(homeDir, ".gamewrapper", "config.toml"),
		filepath.Join(cwd, ".gamewrapper", "config.toml"),
	}
	if strings.TrimSpace(configPath) != "" {
		configSources = append(configSources, configPath)
	}
	if err := copyRedactedConfigs(configSources, stagingDir, &summary); err != nil {
		return err
	}
	if err := copyResult(cfg.ResultPath, stagingDir, &summary); err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, summary); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

func copyRecentLogs(logsDir string, stagingDir string, limit int) ([]string, []string) {
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	var warnings []string
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from the configured log directory listing.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, readErr))
			continue
		}
		if writeErr := os.WriteFile(filepath.Join(destDir, filepath.Base(file.path)), data, 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, writeErr))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

// extractLastCorrelation returns the run and match ids of the newest record
// that carries either.
func extractLastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths are selected from the configured log directory.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			var record map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
				continue
			}
			runID, matchID := asString(record["run_id"]), asString(record["match_id"])
			if runID == "" && matchID == "" {
				continue
			}
			return runID, matchID
		}
	}
	return "", ""
}

func copyRedactedConfigs(paths []string, stagingDir string, summary *bugreportSummary) error {
	var builder strings.Builder
	for _, path := range paths {
		// #nosec G304 -- config paths are the fixed overlay locations plus the operator's --config.
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		fmt.Fprintf(&builder, "# %s\n%s\n", path, redactSensitiveConfig(string(data)))
	}
	if builder.Len() == 0 {
		summary.Warnings = append(summary.Warnings, "no config files found")
		builder.WriteString("# config unavailable\n")
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "config.toml"), []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write redacted config: %w", err)
	}
	return nil
}

// redactSensitiveConfig masks the value of every TOML key that looks like a
// credential.
func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if !ok || !isSensitiveToken(strings.ToLower(strings.TrimSpace(key))) {
			continue
		}
		lines[i] = key + "= \"***REDACTED***\""
	}
	return strings.Join(lines, "\n")
}

func copyResult(path string, stagingDir string, summary *bugreportSummary) error {
	// #nosec G304 -- result path comes from the operator's match configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("no result file at %s", path))
		return nil
	}
	summary.Result = path
	if err := os.WriteFile(filepath.Join(stagingDir, "result.json"), data, 0o600); err != nil {
		return fmt.Errorf("write result.json: %w", err)
	}
	return nil
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	var builder strings.Builder
	builder.WriteString("gamewrapper bug report\n")
	builder.WriteString("======================\n\n")
	fmt.Fprintf(&builder, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&builder, "Version: %s\n", summary.Version)
	fmt.Fprintf(&builder, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&builder, "match_id: %s\n\n", summary.MatchID)
	builder.WriteString("Included artifacts:\n")
	fmt.Fprintf(&builder, "- logs/ (up to last %d log files)\n", bugreportLogLimit)
	builder.WriteString("- config.toml (redacted)\n")
	if summary.Result != "" {
		fmt.Fprintf(&builder, "- result.json (from %s)\n", summary.Result)
	}
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is generated in the current directory with a fixed name pattern.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finalize archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return ""
}
