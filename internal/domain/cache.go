package domain

import (
	"context"
	"regexp"
)

// Cache は1つのキャッシュ世代を表す.
type Cache interface {
	Match(ctx context.Context, id RequestIdentity) (*Response, bool, error)
	Put(ctx context.Context, id RequestIdentity, resp *Response) error
	Keys(ctx context.Context) ([]RequestIdentity, error)
}

// CacheStorage は世代の集合を管理するインターフェース.
// Open で作られた世代は Commit されるまで Has に現れない. Keys は未完了の世代も返す.
type CacheStorage interface {
	Open(ctx context.Context, generation string) (Cache, error)
	Commit(ctx context.Context, generation string) error
	Has(ctx context.Context, generation string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, generation string) (bool, error)
}

// GenerationState は世代のライフサイクル状態.
type GenerationState string

const (
	StateInstalling GenerationState = "installing"
	StateInstalled  GenerationState = "installed"
	StateActivating GenerationState = "activating"
	StateActivated  GenerationState = "activated"
	StateRedundant  GenerationState = "redundant"
)

var generationPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateGeneration は世代IDを検証する.
func ValidateGeneration(generation string) error {
	if generation == "" || generation == "." || generation == ".." || !generationPattern.MatchString(generation) {
		return &ErrInvalidGeneration{Generation: generation}
	}
	return nil
}
