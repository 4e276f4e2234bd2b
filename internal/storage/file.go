package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	fileExt      = ".rec"
	headerPrefix = "exp="
)

// FileBackend stores each key as a file under a base directory, one
// directory level per key segment. Writes go to a temp file that is verified
// and then renamed (Put) or hard-linked (PutIfAbsent) into place, so readers
// never observe a partial record.
type FileBackend struct {
	baseDir string
	now     func() time.Time

	locks   map[string]*sync.RWMutex // per-file locks
	locksMu sync.Mutex               // protects the locks map
}

// NewFileBackend creates the base directory if needed
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		return nil, errors.New("file backend requires a base directory")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileBackend{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.RWMutex),
	}, nil
}

// Get reads a record
func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return nil, err
	}
	lock := f.getFileLock(path)
	lock.RLock()
	defer lock.RUnlock()

	value, expiresAt, err := readRecord(path)
	if err != nil {
		return nil, err
	}
	if expired(expiresAt, f.now()) {
		return nil, ErrNotFound
	}
	return value, nil
}

// Put replaces a record atomically
func (f *FileBackend) Put(_ context.Context, key string, value []byte) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	lock := f.getFileLock(path)
	lock.Lock()
	defer lock.Unlock()

	tmp, err := f.writeTemp(path, value, time.Time{})
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// PutIfAbsent links a fully written temp file into place. os.Link fails when
// the target exists, which makes creation atomic across processes on the
// same filesystem.
func (f *FileBackend) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return false, err
	}
	lock := f.getFileLock(path)
	lock.Lock()
	defer lock.Unlock()

	now := f.now()
	tmp, err := f.writeTemp(path, value, expiryFor(ttl, now))
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	for attempt := 0; attempt < 3; attempt++ {
		err := os.Link(tmp, path)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Errorf("failed to link record: %w", err)
		}

		raw, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, err
		}
		_, expiresAt, err := decodeRecord(path, raw)
		if err != nil {
			return false, err
		}
		if !expired(expiresAt, now) {
			return false, nil
		}
		freed, err := removeIfUnchanged(path, raw)
		if err != nil || !freed {
			return false, err
		}
	}
	return false, nil
}

// retireTokenTTL bounds how long a token left by a crashed process blocks
// the removal of the record it names
const retireTokenTTL = time.Minute

// retireToken names the token that serialises removals of the record at
// path whose bytes are raw
func retireToken(path string, raw []byte) string {
	sum := sha256.Sum256(raw)
	return path + ".retire." + hex.EncodeToString(sum[:8])
}

// removeIfUnchanged removes the record at path that was read as raw.
// Processes that read the same record race to create its token
// exclusively. The winner removes path only if it still holds raw, so a
// record written by a faster process is never removed. It reports whether
// path no longer holds raw.
func removeIfUnchanged(path string, raw []byte) (bool, error) {
	token := retireToken(path, raw)
	fh, err := os.OpenFile(token, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		info, serr := os.Stat(token)
		if serr == nil && time.Since(info.ModTime()) > retireTokenTTL && os.Remove(token) == nil {
			return removeIfUnchanged(path, raw)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim expired record: %w", err)
	}
	fh.Close()
	defer os.Remove(token)

	current, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(current, raw) {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to retire expired record: %w", err)
	}
	return true, nil
}

// Delete removes a record
func (f *FileBackend) Delete(_ context.Context, key string) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	lock := f.getFileLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DeleteIfEqual removes a live record holding expected
func (f *FileBackend) DeleteIfEqual(_ context.Context, key string, expected []byte) (bool, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return false, err
	}
	lock := f.getFileLock(path)
	lock.Lock()
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	value, expiresAt, err := decodeRecord(path, raw)
	if err != nil {
		return false, err
	}
	if expired(expiresAt, f.now()) || !bytes.Equal(value, expected) {
		return false, nil
	}
	return removeIfUnchanged(path, raw)
}

// List walks the directory that holds the prefix's complete segments
func (f *FileBackend) List(_ context.Context, prefix string) ([]string, error) {
	segments := strings.Split(prefix, ":")
	dir := filepath.Join(append([]string{f.baseDir}, segments[:len(segments)-1]...)...)

	now := f.now()
	keys := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, fileExt) {
			return nil
		}
		rel, err := filepath.Rel(f.baseDir, strings.TrimSuffix(path, fileExt))
		if err != nil {
			return err
		}
		key := strings.Join(strings.Split(filepath.ToSlash(rel), "/"), ":")
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		_, expiresAt, err := readRecord(path)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !expired(expiresAt, now) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op
func (f *FileBackend) Close() error {
	return nil
}

func (f *FileBackend) pathFor(key string) (string, error) {
	segments := strings.Split(key, ":")
	for _, s := range segments {
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\") {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	segments[len(segments)-1] += fileExt
	return filepath.Join(append([]string{f.baseDir}, segments...)...), nil
}

func (f *FileBackend) writeTemp(path string, value []byte, expiresAt time.Time) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	data := encodeRecord(value, expiresAt)
	tmp := path + ".tmp." + tempSuffix()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := verifyFileIntegrity(tmp, data); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// getFileLock gets or creates a lock for a specific file
func (f *FileBackend) getFileLock(path string) *sync.RWMutex {
	f.locksMu.Lock()
	defer f.locksMu.Unlock()

	if lock, exists := f.locks[path]; exists {
		return lock
	}
	lock := &sync.RWMutex{}
	f.locks[path] = lock
	return lock
}

// encodeRecord prefixes the value with a one-line expiry header
func encodeRecord(value []byte, expiresAt time.Time) []byte {
	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UnixNano()
	}
	header := headerPrefix + strconv.FormatInt(exp, 10) + "\n"
	out := make([]byte, 0, len(header)+len(value))
	out = append(out, header...)
	return append(out, value...)
}

func readRecord(path string) ([]byte, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, err
	}
	return decodeRecord(path, data)
}

func decodeRecord(path string, data []byte) ([]byte, time.Time, error) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 || !bytes.HasPrefix(data, []byte(headerPrefix)) {
		return nil, time.Time{}, fmt.Errorf("corrupt record %s: missing header", path)
	}
	exp, err := strconv.ParseInt(string(data[len(headerPrefix):nl]), 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("corrupt record %s: %w", path, err)
	}
	var expiresAt time.Time
	if exp != 0 {
		expiresAt = time.Unix(0, exp)
	}
	return data[nl+1:], expiresAt, nil
}

// verifyFileIntegrity verifies that written data matches expected data
func verifyFileIntegrity(path string, expected []byte) error {
	actual, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if sha256.Sum256(expected) != sha256.Sum256(actual) {
		return fmt.Errorf("file integrity check failed: hash mismatch")
	}
	return nil
}

func tempSuffix() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}
