package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/jarvis/internal/config"
	"github.com/mtzanidakis/jarvis/internal/store"
)

// storeEntry holds a consistent snapshot of the sqlite store. It is restored
// to the configured store path.
const storeEntry = "store.db"

// archiveRoots maps the top-level archive directories to their place under
// the home directory.
func archiveRoots(cfg *config.Config) map[string]string {
	return map[string]string{
		"agents": cfg.AgentsDir(),
		"skills": cfg.SkillsDir(),
		"data":   cfg.DataDir(),
	}
}

var rootOrder = []string{"agents", "skills", "data"}

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: jarvis backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	skip, _ := filepath.Abs(outputPath)
	files, err := writeBackup(f, cfg, db, skip)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	size := int64(0)
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

// writeBackup streams a zstd-compressed tar of the home directory to w and
// returns the number of files written. The live database files and data/tmp
// are left out; the store goes in as a snapshot instead.
func writeBackup(w io.Writer, cfg *config.Config, db *store.Store, skipPath string) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()
	tw := tar.NewWriter(zw)
	defer tw.Close()

	skip := map[string]bool{
		cfg.Store.Path:              true,
		cfg.Store.Path + "-wal":     true,
		cfg.Store.Path + "-shm":     true,
		cfg.Store.Path + "-journal": true,
		cfg.TmpDir():                true,
	}
	if skipPath != "" {
		skip[skipPath] = true
	}

	roots := archiveRoots(cfg)
	files := 0
	for _, top := range rootOrder {
		n, err := archiveDir(tw, top, roots[top], skip)
		if err != nil {
			return files, fmt.Errorf("archive %s: %w", top, err)
		}
		files += n
	}

	tmp, err := os.MkdirTemp("", "jarvis-backup-*")
	if err != nil {
		return files, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	snapshot := filepath.Join(tmp, "jarvis.db")
	if err := db.Snapshot(snapshot); err != nil {
		return files, err
	}
	if err := addFile(tw, storeEntry, snapshot); err != nil {
		return files, fmt.Errorf("archive store: %w", err)
	}
	files++

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return files, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return files, fmt.Errorf("close zstd: %w", err)
	}
	return files, nil
}

func archiveDir(tw *tar.Writer, top, dir string, skip map[string]bool) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}

	files := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if skip[p] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			slog.Debug("skipping non-regular file", "path", p)
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := path.Join(top, filepath.ToSlash(rel))

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}

		if err := addFile(tw, name, p); err != nil {
			return err
		}
		files++
		return nil
	})
	return files, err
}

func addFile(tw *tar.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: jarvis restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	files, err := restoreArchive(inputPath, cfg, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d files\n", files)
	return nil
}

// restoreArchive extracts a backup into the home directory. Without
// overwrite it refuses to touch any root that already has content. The
// gateway must not be running.
func restoreArchive(archivePath string, cfg *config.Config, overwrite bool) (int, error) {
	tops, err := scanArchiveRoots(archivePath)
	if err != nil {
		return 0, fmt.Errorf("scan archive: %w", err)
	}
	if len(tops) == 0 {
		return 0, nil
	}

	targets := archiveRoots(cfg)
	if !overwrite {
		for _, top := range tops {
			target := cfg.Store.Path
			if top != storeEntry {
				target = targets[top]
			}
			if exists(target) {
				return 0, fmt.Errorf("%s already exists, add -overwrite to replace files", target)
			}
		}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("read tar entry: %w", err)
		}

		top, rel := splitArchivePath(hdr.Name)
		if top == "" {
			slog.Warn("skipping archive entry", "name", hdr.Name)
			continue
		}

		if top == storeEntry {
			// A stale WAL would be replayed over the restored database.
			for _, suffix := range []string{"-wal", "-shm"} {
				_ = os.Remove(cfg.Store.Path + suffix)
			}
			if err := extractFile(tr, cfg.Store.Path, 0o644); err != nil {
				return files, err
			}
			files++
			continue
		}

		target := filepath.Join(targets[top], filepath.FromSlash(rel))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("create %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, err
			}
			files++
		default:
			slog.Debug("skipping archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
	return files, nil
}

func extractFile(r io.Reader, target string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}

// exists reports whether p is a file or a non-empty directory.
func exists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return true
	}
	entries, err := os.ReadDir(p)
	return err == nil && len(entries) > 0
}

// scanArchiveRoots reads tar headers to collect the top-level entries present
// without extracting file data.
func scanArchiveRoots(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		top, _ := splitArchivePath(hdr.Name)
		if top != "" && !seen[top] {
			seen[top] = true
			names = append(names, top)
		}
	}
	return names, nil
}

// splitArchivePath splits "agents/coder/agent.md" into ("agents",
// "coder/agent.md"). Unknown roots and paths escaping their root yield an
// empty top.
func splitArchivePath(name string) (top, rel string) {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return "", ""
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", ""
		}
	}
	if name == storeEntry {
		return storeEntry, ""
	}

	top, rel, _ = strings.Cut(strings.TrimSuffix(name, "/"), "/")
	switch top {
	case "agents", "skills", "data":
		return top, rel
	}
	return "", ""
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
