package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoResponse はネットワークにもキャッシュにもレスポンスがない.
	ErrNoResponse = errors.New("no response available")
	// ErrGenerationNotInstalled は未インストールの世代を有効化しようとした.
	ErrGenerationNotInstalled = errors.New("generation not installed")
	// ErrCredentialMissing はAPIキーが設定されていない.
	ErrCredentialMissing = errors.New("api credential is not configured")
	// ErrMalformedOutput は分類結果が不正.
	ErrMalformedOutput = errors.New("malformed classifier output")
	// ErrRecordNotFound はレコードが存在しない.
	ErrRecordNotFound = errors.New("record not found")
	// ErrEmptyReport は空の日報テキスト.
	ErrEmptyReport = errors.New("report text is empty")
)

// ErrInvalidGeneration は世代IDが不正.
type ErrInvalidGeneration struct {
	Generation string
}

func (e *ErrInvalidGeneration) Error() string {
	return fmt.Sprintf("invalid generation id %q", e.Generation)
}

// AssetFailure はマニフェスト1件の取得失敗.
type AssetFailure struct {
	Identity RequestIdentity
	Err      error
}

// InstallError はインストール失敗を表す.
type InstallError struct {
	Generation string
	Failures   []AssetFailure
}

func (e *InstallError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Identity, f.Err))
	}
	return fmt.Sprintf("install of generation %s failed (%d assets): %s",
		e.Generation, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap は個別の失敗を返す.
func (e *InstallError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// ErrUncacheable はキャッシュできないレスポンス.
type ErrUncacheable struct {
	StatusCode int
	Type       ResponseType
}

func (e *ErrUncacheable) Error() string {
	return fmt.Sprintf("response is not cacheable (status=%d type=%s)", e.StatusCode, e.Type)
}
