package release

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nippo/internal/domain"
	"nippo/internal/interface/repository/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeRelease(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestNew_CreatesDefaultRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "release.yaml")

	repo, err := New(path, logger.NewNop())
	require.NoError(t, err)

	rel, err := repo.Current()
	require.NoError(t, err)
	assert.Equal(t, defaultRelease(), rel)
	assert.FileExists(t, path)
}

func TestLoadReleaseFile(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		want    *domain.Release
		wantErr bool
	}{
		{
			name:    "normalizes manifest",
			content: "version: v4\nmanifest:\n  - /\n  - ' /index.html '\n  - /\n  - ''\n",
			want:    &domain.Release{Version: "v4", Manifest: []string{"/", "/index.html"}},
		},
		{
			name:    "invalid version",
			content: "version: ../v4\nmanifest: [/]\n",
			wantErr: true,
		},
		{
			name:    "missing version",
			content: "manifest: [/]\n",
			wantErr: true,
		},
		{
			name:    "broken yaml",
			content: "version: [\n",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "release.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0644))

			rel, err := loadReleaseFile(path)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, rel)
		})
	}
}

func TestCurrent_ReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.yaml")
	repo, err := New(path, logger.NewNop())
	require.NoError(t, err)

	rel, err := repo.Current()
	require.NoError(t, err)
	rel.Manifest[0] = "/mutated"

	again, err := repo.Current()
	require.NoError(t, err)
	assert.Equal(t, "/", again.Manifest[0])
}

func TestWatch_NotifiesOnVersionChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.yaml")
	writeRelease(t, path, "version: v1\nmanifest: [/]\n")

	repo, err := New(path, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *domain.Release, 4)
	done := make(chan error, 1)
	go func() {
		done <- repo.Watch(ctx, func(rel *domain.Release) { changes <- rel })
	}()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// 監視の開始を待ってから書き換える
	time.Sleep(100 * time.Millisecond)

	// 同じバージョンの書き換えは通知しない
	writeRelease(t, path, "version: v1\nmanifest: [/, /index.html]\n")
	time.Sleep(2 * debounce)

	writeRelease(t, path, "version: v2\nmanifest: [/, /index.html]\n")

	select {
	case rel := <-changes:
		assert.Equal(t, "v2", rel.Version)
		assert.Equal(t, []string{"/", "/index.html"}, rel.Manifest)
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification")
	}

	cur, err := repo.Current()
	require.NoError(t, err)
	assert.Equal(t, "v2", cur.Version)
	assert.Empty(t, changes)
}
