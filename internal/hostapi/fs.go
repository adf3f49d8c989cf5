package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MaxFileBytes caps fs.readFile and fs.writeFile payloads.
const MaxFileBytes = 8 << 20

type fileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// FileInfo is the fs.stat result.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

func (h *handlers) resolvePath(name, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%s: path is required", name)
	}
	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("%s: path must be absolute: %s", name, p)
	}
	clean := filepath.Clean(p)
	if len(h.reg.FSRoots) == 0 {
		return clean, nil
	}
	for _, root := range h.reg.FSRoots {
		rel, err := filepath.Rel(filepath.Clean(root), clean)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%s: path outside allowed roots: %s", name, p)
}

func (h *handlers) readFile(_ context.Context, raw json.RawMessage) (any, error) {
	var args fileArgs
	if err := decodeArgs(FSReadFile, raw, &args); err != nil {
		return nil, err
	}
	path, err := h.resolvePath(FSReadFile, args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileBytes {
		return nil, fmt.Errorf("%s: %s exceeds %d bytes", FSReadFile, path, MaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (h *handlers) writeFile(_ context.Context, raw json.RawMessage) (any, error) {
	var args fileArgs
	if err := decodeArgs(FSWriteFile, raw, &args); err != nil {
		return nil, err
	}
	path, err := h.resolvePath(FSWriteFile, args.Path)
	if err != nil {
		return nil, err
	}
	if len(args.Content) > MaxFileBytes {
		return nil, fmt.Errorf("%s: content exceeds %d bytes", FSWriteFile, MaxFileBytes)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return nil, err
	}
	h.logger.Debug("file written", "path", path, "bytes", len(args.Content))
	return nil, nil
}

func (h *handlers) stat(_ context.Context, raw json.RawMessage) (any, error) {
	var args fileArgs
	if err := decodeArgs(FSStat, raw, &args); err != nil {
		return nil, err
	}
	path, err := h.resolvePath(FSStat, args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return FileInfo{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime().UTC()}, nil
}
