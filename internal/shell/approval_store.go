package shell

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// packageManagerPrefixes are commands whose first two tokens form the
// remembered signature, since the first token alone ("npm", "git", ...) is
// too coarse to usefully distinguish "npm install" from "npm run build".
var packageManagerPrefixes = map[string]bool{
	"npm":    true,
	"pip":    true,
	"pip3":   true,
	"git":    true,
	"cargo":  true,
	"docker": true,
	"uv":     true,
	"yarn":   true,
	"pnpm":   true,
	"go":     true,
}

// NormalizeCommandSignature reduces a command to the token(s) used to key
// its approval-store entry: the first token, or the first two tokens if the
// first is a recognized package-manager-style binary.
func NormalizeCommandSignature(command string) string {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return ""
	}
	if len(fields) > 1 && packageManagerPrefixes[fields[0]] {
		return fields[0] + " " + fields[1]
	}
	return fields[0]
}

// HashSignature returns the first 16 hex characters of the SHA-256 digest
// of a normalized command signature.
func HashSignature(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return fmt.Sprintf("%x", sum)[:16]
}

// approvalRecord is one remembered "always allow" decision. ApprovedAt is
// unix seconds.
type approvalRecord struct {
	Hash             string `json:"hash"`
	CommandSignature string `json:"command_signature"`
	ApprovedAt       int64  `json:"approved_at"`
}

type approvalFile struct {
	Approvals []approvalRecord `json:"approvals"`
}

// ApprovalStore persists remembered "always allow" command signatures to a
// single JSON file, so an `on-miss` ask level only prompts once per
// distinct command shape across restarts. The file is watched for outside
// edits (a settings UI or a second process), which trigger a reload.
type ApprovalStore struct {
	mu     sync.Mutex
	path   string
	hashes map[string]approvalRecord

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewApprovalStore loads (or initializes) the approval store at path.
func NewApprovalStore(path string) (*ApprovalStore, error) {
	s := &ApprovalStore{
		path:   path,
		hashes: make(map[string]approvalRecord),
		done:   make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.watch()
	return s, nil
}

func (s *ApprovalStore) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read approval store: %w", err)
	}
	var file approvalFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse approval store: %w", err)
	}
	next := make(map[string]approvalRecord, len(file.Approvals))
	for _, rec := range file.Approvals {
		next[rec.Hash] = rec
	}
	s.mu.Lock()
	s.hashes = next
	s.mu.Unlock()
	return nil
}

// watch reloads the store when its backing file changes on disk. A
// watcher that cannot start (missing parent directory, fs limits) is not
// fatal: the store just won't pick up outside edits until restart.
func (s *ApprovalStore) watch() {
	if s.path == "" {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return
	}
	s.watcher = w

	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != s.path || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				_ = s.load()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Close stops the file watcher.
func (s *ApprovalStore) Close() {
	close(s.done)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

func (s *ApprovalStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	file := approvalFile{Approvals: make([]approvalRecord, 0, len(s.hashes))}
	for _, rec := range s.hashes {
		file.Approvals = append(file.Approvals, rec)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create approval store dir: %w", err)
		}
	}
	return os.WriteFile(s.path, data, 0o600)
}

// IsApproved reports whether command's normalized signature has previously
// been remembered.
func (s *ApprovalStore) IsApproved(command string) bool {
	signature := NormalizeCommandSignature(command)
	if signature == "" {
		return false
	}
	hash := HashSignature(signature)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[hash]
	return ok
}

// Remember persists command's normalized signature as always-approved.
func (s *ApprovalStore) Remember(command string) error {
	signature := NormalizeCommandSignature(command)
	if signature == "" {
		return nil
	}
	hash := HashSignature(signature)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[hash] = approvalRecord{
		Hash:             hash,
		CommandSignature: signature,
		ApprovedAt:       time.Now().Unix(),
	}
	return s.saveLocked()
}
