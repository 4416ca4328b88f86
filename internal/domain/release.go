package domain

import "context"

// Release はデプロイされたバージョンとアセットマニフェストを表す.
type Release struct {
	Version  string   `yaml:"version" json:"version"`
	Manifest []string `yaml:"manifest" json:"manifest"`
}

// ReleaseSource はリリース情報の取得元.
type ReleaseSource interface {
	Current() (*Release, error)
	Watch(ctx context.Context, onChange func(*Release)) error
}
