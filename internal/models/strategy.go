package models

import (
	"fmt"
	"strings"
)

// SaveStrategy decides when a local write happens relative to the remote call.
// The zero value defers to the engine-wide default.
type SaveStrategy int

const (
	SaveDefault SaveStrategy = iota
	SaveOptimistic
	SaveWaitForRemote
)

// FetchStrategy decides how reads combine local and remote data.
type FetchStrategy int

const (
	FetchDefault FetchStrategy = iota
	FetchBackgroundSync
	FetchRemoteFirst
	FetchLocalWithRemoteFallback
	FetchLocalOnly
)

// DeleteStrategy decides when a local delete happens relative to the remote call.
type DeleteStrategy int

const (
	DeleteDefault DeleteStrategy = iota
	DeleteOptimistic
	DeleteWaitForRemote
)

var (
	saveNames   = map[SaveStrategy]string{SaveDefault: "default", SaveOptimistic: "optimistic", SaveWaitForRemote: "wait_for_remote"}
	fetchNames  = map[FetchStrategy]string{FetchDefault: "default", FetchBackgroundSync: "background_sync", FetchRemoteFirst: "remote_first", FetchLocalWithRemoteFallback: "local_with_remote_fallback", FetchLocalOnly: "local_only"}
	deleteNames = map[DeleteStrategy]string{DeleteDefault: "default", DeleteOptimistic: "optimistic_delete", DeleteWaitForRemote: "wait_for_remote"}
)

func (s SaveStrategy) String() string   { return saveNames[s] }
func (s FetchStrategy) String() string  { return fetchNames[s] }
func (s DeleteStrategy) String() string { return deleteNames[s] }

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// ParseSaveStrategy parses a strategy name such as "optimistic".
func ParseSaveStrategy(s string) (SaveStrategy, error) {
	for k, v := range saveNames {
		if v == normalize(s) {
			return k, nil
		}
	}
	return SaveDefault, fmt.Errorf("unknown save strategy %q", s)
}

// ParseFetchStrategy parses a strategy name such as "remote_first".
func ParseFetchStrategy(s string) (FetchStrategy, error) {
	for k, v := range fetchNames {
		if v == normalize(s) {
			return k, nil
		}
	}
	return FetchDefault, fmt.Errorf("unknown fetch strategy %q", s)
}

// ParseDeleteStrategy parses a strategy name such as "optimistic_delete".
func ParseDeleteStrategy(s string) (DeleteStrategy, error) {
	n := normalize(s)
	if n == "optimistic" {
		return DeleteOptimistic, nil
	}
	for k, v := range deleteNames {
		if v == n {
			return k, nil
		}
	}
	return DeleteDefault, fmt.Errorf("unknown delete strategy %q", s)
}
