package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RecordType is the second segment of every key
type RecordType string

const (
	RecordRun             RecordType = "run"
	RecordRunOutcome      RecordType = "run_outcome"
	RecordSnapshot        RecordType = "snapshot"
	RecordDriftEvent      RecordType = "drift_event"
	RecordDriftHead       RecordType = "drift_head"
	RecordLock            RecordType = "lock"
	RecordRetentionPolicy RecordType = "retention_policy"
	RecordWindow          RecordType = "window"
)

// DefaultNamespace prefixes every key written by this module
const DefaultNamespace = "kirjuri"

const indexSuffix = "_index"

// ErrInvalidKey is returned for segments that would break the key layout
var ErrInvalidKey = errors.New("storage: invalid key segment")

// Keyspace builds keys of the form
//
//	{namespace}:{record_type}:{tenant_id}:{record_id}
//	{namespace}:{record_type}_index:{tenant_id}:{snapshot_kind}.{page}
//
// The tenant always occupies a fixed segment, so a prefix built for one
// tenant can never match another tenant's keys.
type Keyspace struct {
	namespace string
}

// NewKeyspace validates the namespace and returns a Keyspace
func NewKeyspace(namespace string) (Keyspace, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := validateSegment("namespace", namespace); err != nil {
		return Keyspace{}, err
	}
	return Keyspace{namespace: namespace}, nil
}

// Namespace returns the key prefix
func (k Keyspace) Namespace() string {
	return k.namespace
}

// Record returns the point-lookup key for a record
func (k Keyspace) Record(rt RecordType, tenantID, recordID string) (string, error) {
	if err := validateSegment("tenant_id", tenantID); err != nil {
		return "", err
	}
	if err := validateSegment("record_id", recordID); err != nil {
		return "", err
	}
	return k.RecordPrefix(rt, tenantID) + recordID, nil
}

// RecordPrefix returns the prefix shared by all records of a type for a tenant
func (k Keyspace) RecordPrefix(rt RecordType, tenantID string) string {
	return k.namespace + ":" + string(rt) + ":" + tenantID + ":"
}

// IndexPage returns the key of one page of an index
func (k Keyspace) IndexPage(rt RecordType, tenantID, kind string, page int) (string, error) {
	if err := validateSegment("tenant_id", tenantID); err != nil {
		return "", err
	}
	if err := validateSegment("snapshot_kind", kind); err != nil {
		return "", err
	}
	if strings.Contains(kind, ".") {
		return "", fmt.Errorf("%w: snapshot_kind %q contains '.'", ErrInvalidKey, kind)
	}
	if page < 0 {
		return "", fmt.Errorf("%w: negative page %d", ErrInvalidKey, page)
	}
	return k.IndexPrefix(rt, tenantID, kind) + strconv.Itoa(page), nil
}

// IndexPrefix returns the prefix shared by every page of an index
func (k Keyspace) IndexPrefix(rt RecordType, tenantID, kind string) string {
	return k.namespace + ":" + string(rt) + indexSuffix + ":" + tenantID + ":" + kind + "."
}

// Key is a parsed storage key
type Key struct {
	Namespace  string
	RecordType RecordType
	Index      bool
	TenantID   string
	RecordID   string
}

// ParseKey splits a key into its segments
func ParseKey(key string) (Key, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("%w: %q has %d segments", ErrInvalidKey, key, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return Key{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidKey, key)
		}
	}
	k := Key{Namespace: parts[0], TenantID: parts[2], RecordID: parts[3]}
	rt := parts[1]
	if strings.HasSuffix(rt, indexSuffix) {
		k.Index = true
		rt = strings.TrimSuffix(rt, indexSuffix)
	}
	k.RecordType = RecordType(rt)
	return k, nil
}

// validateSegment rejects values that could alias another segment or escape
// a directory when keys are mapped onto paths
func validateSegment(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidKey, name)
	}
	if value == "." || value == ".." {
		return fmt.Errorf("%w: %s %q", ErrInvalidKey, name, value)
	}
	if strings.ContainsAny(value, ":/\\") {
		return fmt.Errorf("%w: %s %q contains a reserved character", ErrInvalidKey, name, value)
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %s contains a control character", ErrInvalidKey, name)
		}
	}
	return nil
}
