// Package steam integrates managed volumes with Steam: it parses the
// libraryfolders.vdf registry, injects new library folders, and handles the
// Steam process around edits (the file must not be rewritten while Steam
// runs, or Steam overwrites it on exit).
package steam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Package errors.
var (
	ErrVDFNotFound      = errors.New("libraryfolders.vdf not found")
	ErrVDFParse         = errors.New("cannot parse libraryfolders.vdf")
	ErrShutdownTimedOut = errors.New("steam did not shut down in time")
)

// LibraryFolder is one entry of libraryfolders.vdf.
type LibraryFolder struct {
	ID        int
	Path      string
	Label     string
	ContentID string
	TotalSize string
	Apps      map[string]string
}

// VDFPath returns the library registry path under a Steam root.
func VDFPath(steamRoot string) string {
	return filepath.Join(steamRoot, "steamapps", "libraryfolders.vdf")
}

// Library manages one Steam installation.
type Library struct {
	vdfPath string
	logger  *slog.Logger

	// run is swapped in tests.
	run func(ctx context.Context, name string, args ...string) error
}

// NewLibrary builds a Library for the registry at vdfPath.
func NewLibrary(vdfPath string, logger *slog.Logger) *Library {
	return &Library{
		vdfPath: vdfPath,
		logger:  logger.With(slog.String("component", "steam")),
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Folders reads and parses the library registry.
func (l *Library) Folders() ([]LibraryFolder, error) {
	content, err := os.ReadFile(l.vdfPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrVDFNotFound, l.vdfPath)
		}
		return nil, fmt.Errorf("read %s: %w", l.vdfPath, err)
	}
	return ParseLibraryFolders(string(content))
}

// AddFolder registers a mount path as a Steam library. Adding a path that is
// already registered is a no-op. Steam must not be running; call Shutdown
// first or it will overwrite the registry on exit.
func (l *Library) AddFolder(mountPath, label string) error {
	content, err := os.ReadFile(l.vdfPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrVDFNotFound, l.vdfPath)
		}
		return fmt.Errorf("read %s: %w", l.vdfPath, err)
	}

	folders, err := ParseLibraryFolders(string(content))
	if err != nil {
		return err
	}
	for _, f := range folders {
		if f.Path == mountPath {
			l.logger.Debug("library folder already registered",
				slog.String("path", mountPath))
			return nil
		}
	}

	nextID := 1
	for _, f := range folders {
		if f.ID >= nextID {
			nextID = f.ID + 1
		}
	}

	updated, err := injectFolder(string(content), nextID, mountPath, label)
	if err != nil {
		return err
	}
	if err := os.WriteFile(l.vdfPath, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", l.vdfPath, err)
	}

	l.logger.Info("library folder added",
		slog.String("path", mountPath),
		slog.Int("id", nextID))
	return nil
}

// IsRunning reports whether a Steam process exists.
func (l *Library) IsRunning(ctx context.Context) bool {
	return l.run(ctx, "pgrep", "-x", "steam") == nil
}

// Shutdown asks Steam to exit and waits for the process to disappear.
// A non-running Steam is a no-op.
func (l *Library) Shutdown(ctx context.Context) error {
	if !l.IsRunning(ctx) {
		return nil
	}

	l.logger.Info("shutting down steam")
	// steam --shutdown often exits non-zero even on success; the process
	// poll below is authoritative.
	_ = l.run(ctx, "steam", "--shutdown")

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if !l.IsRunning(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return ErrShutdownTimedOut
}

// injectFolder inserts a new library entry before the registry's final
// closing brace, matching Steam's own tab-indented formatting.
func injectFolder(content string, id int, mountPath, label string) (string, error) {
	lastBrace := strings.LastIndex(content, "}")
	if lastBrace < 0 {
		return "", fmt.Errorf("%w: no closing brace", ErrVDFParse)
	}

	entry := fmt.Sprintf("\t\"%d\"\n"+
		"\t{\n"+
		"\t\t\"path\"\t\t\"%s\"\n"+
		"\t\t\"label\"\t\t\"%s\"\n"+
		"\t\t\"contentid\"\t\t\"0\"\n"+
		"\t\t\"totalsize\"\t\t\"0\"\n"+
		"\t\t\"apps\"\n"+
		"\t\t{\n"+
		"\t\t}\n"+
		"\t}", id, mountPath, label)

	before := strings.TrimRight(content[:lastBrace], " \t\n")
	return before + "\n" + entry + "\n" + content[lastBrace:], nil
}

// ParseLibraryFolders decodes the registry content. Non-numeric top-level
// keys are ignored; results are sorted by ID.
func ParseLibraryFolders(content string) ([]LibraryFolder, error) {
	p := &vdfParser{tokens: tokenizeVDF(content)}

	// Root: "libraryfolders" { ... }
	if _, err := p.expectString(); err != nil {
		return nil, err
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}

	var folders []LibraryFolder
	for {
		tok, err := p.next()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokenClose {
			break
		}
		if tok.kind != tokenString {
			return nil, fmt.Errorf("%w: expected folder key, got %q", ErrVDFParse, tok.value)
		}

		folder, err := p.parseFolder()
		if err != nil {
			return nil, err
		}

		id, err := strconv.Atoi(tok.value)
		if err != nil {
			// Metadata keys such as "contentstatsid" live beside the
			// numeric folder entries.
			continue
		}
		folder.ID = id
		folders = append(folders, folder)
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].ID < folders[j].ID })
	return folders, nil
}

type tokenKind int

const (
	tokenString tokenKind = iota
	tokenOpen
	tokenClose
)

type token struct {
	kind  tokenKind
	value string
}

// tokenizeVDF splits VDF content into quoted strings and braces. Escapes
// inside quoted strings are left as-is; Steam does not use them in this file.
func tokenizeVDF(content string) []token {
	var tokens []token
	for i := 0; i < len(content); i++ {
		switch content[i] {
		case '{':
			tokens = append(tokens, token{kind: tokenOpen, value: "{"})
		case '}':
			tokens = append(tokens, token{kind: tokenClose, value: "}"})
		case '"':
			end := strings.IndexByte(content[i+1:], '"')
			if end < 0 {
				tokens = append(tokens, token{kind: tokenString, value: content[i+1:]})
				return tokens
			}
			tokens = append(tokens, token{kind: tokenString, value: content[i+1 : i+1+end]})
			i += end + 1
		}
	}
	return tokens
}

type vdfParser struct {
	tokens []token
	pos    int
}

func (p *vdfParser) next() (token, error) {
	if p.pos >= len(p.tokens) {
		return token{}, fmt.Errorf("%w: unexpected end of file", ErrVDFParse)
	}
	tok := p.tokens[p.pos]
	p.pos++
	return tok, nil
}

func (p *vdfParser) expectString() (string, error) {
	tok, err := p.next()
	if err != nil {
		return "", err
	}
	if tok.kind != tokenString {
		return "", fmt.Errorf("%w: expected string, got %q", ErrVDFParse, tok.value)
	}
	return tok.value, nil
}

func (p *vdfParser) expect(symbol string) error {
	tok, err := p.next()
	if err != nil {
		return err
	}
	if tok.value != symbol {
		return fmt.Errorf("%w: expected %q, got %q", ErrVDFParse, symbol, tok.value)
	}
	return nil
}

// parseFolder consumes one { ... } object, keeping the known scalar fields
// and the apps map.
func (p *vdfParser) parseFolder() (LibraryFolder, error) {
	folder := LibraryFolder{Apps: map[string]string{}}
	if err := p.expect("{"); err != nil {
		return folder, err
	}

	for {
		tok, err := p.next()
		if err != nil {
			return folder, err
		}
		if tok.kind == tokenClose {
			return folder, nil
		}
		if tok.kind != tokenString {
			return folder, fmt.Errorf("%w: expected key, got %q", ErrVDFParse, tok.value)
		}
		key := tok.value

		val, err := p.next()
		if err != nil {
			return folder, err
		}
		switch val.kind {
		case tokenString:
			switch key {
			case "path":
				folder.Path = val.value
			case "label":
				folder.Label = val.value
			case "contentid":
				folder.ContentID = val.value
			case "totalsize":
				folder.TotalSize = val.value
			}
		case tokenOpen:
			if key == "apps" {
				if err := p.parseApps(&folder); err != nil {
					return folder, err
				}
			} else if err := p.skipObject(); err != nil {
				return folder, err
			}
		default:
			return folder, fmt.Errorf("%w: unexpected %q after key %q", ErrVDFParse, val.value, key)
		}
	}
}

func (p *vdfParser) parseApps(folder *LibraryFolder) error {
	for {
		tok, err := p.next()
		if err != nil {
			return err
		}
		if tok.kind == tokenClose {
			return nil
		}
		size, err := p.expectString()
		if err != nil {
			return err
		}
		folder.Apps[tok.value] = size
	}
}

// skipObject consumes a balanced { ... } whose opening brace was already
// read.
func (p *vdfParser) skipObject() error {
	depth := 1
	for depth > 0 {
		tok, err := p.next()
		if err != nil {
			return err
		}
		switch tok.kind {
		case tokenOpen:
			depth++
		case tokenClose:
			depth--
		}
	}
	return nil
}
