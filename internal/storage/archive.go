package storage

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
)

// ArchiveTree compresses the directory tree rooted at srcDir into a tar.xz
// stream written to w. Entry names are prefixed with prefix so an extracted
// archive reproduces the session layout.
func ArchiveTree(w io.Writer, srcDir, prefix string) error {
	return ArchiveTrees(w, map[string]string{prefix: srcDir})
}

// ArchiveTrees compresses several sources into a single tar.xz stream. Keys
// are entry-name prefixes, values are source paths. A source may be a
// directory (archived recursively) or a single regular file (archived under
// the prefix itself as its entry name).
func ArchiveTrees(w io.Writer, trees map[string]string) error {
	xzw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating xz writer: %w", err)
	}
	tw := tar.NewWriter(xzw)

	prefixes := make([]string, 0, len(trees))
	for prefix := range trees {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	for _, prefix := range prefixes {
		if err := addTree(tw, trees[prefix], prefix); err != nil {
			tw.Close()
			xzw.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := xzw.Close(); err != nil {
		return fmt.Errorf("closing xz writer: %w", err)
	}
	return nil
}

func addTree(tw *tar.Writer, src, prefix string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stating archive source: %w", err)
	}
	if !info.IsDir() {
		return addFile(tw, src, prefix, info)
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("computing entry name: %w", err)
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(filepath.Join(prefix, rel))

		if info.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return fmt.Errorf("building tar header: %w", err)
			}
			header.Name = name + "/"
			if err := tw.WriteHeader(header); err != nil {
				return fmt.Errorf("writing tar header: %w", err)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addFile(tw, path, name, info)
	})
}

func addFile(tw *tar.Writer, path, name string, info os.FileInfo) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("building tar header: %w", err)
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("writing file contents: %w", err)
	}
	return nil
}

// ReadArchive decompresses a tar.xz stream and returns its regular-file
// entries keyed by name.
func ReadArchive(r io.Reader) (map[string][]byte, error) {
	xzr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating xz reader: %w", err)
	}
	tr := tar.NewReader(xzr)

	files := map[string][]byte{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading entry %s: %w", header.Name, err)
		}
		files[header.Name] = data
	}
	return files, nil
}

// IsTempFile reports whether a file name matches the atomic-write temp
// pattern.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, TempSuffix)
}
