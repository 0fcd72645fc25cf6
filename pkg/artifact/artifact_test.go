package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljc0311/clipforge/pkg/manifest"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileStorePublish(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	in := writeFile(t, src, "scene-1.mp4", "video bytes")

	store, err := NewFileStore(FileConfig{Dir: dst})
	require.NoError(t, err)

	loc, err := store.Publish(context.Background(), "scene-1.mp4", in)
	require.NoError(t, err)

	got, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "video bytes", string(got))
	assert.True(t, filepath.IsAbs(loc))
}

func TestFileStorePublishWithPrefix(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	in := writeFile(t, src, "scene-1.mp4", "x")

	store, err := NewFileStore(FileConfig{Dir: dst, Prefix: "renders/2026"})
	require.NoError(t, err)

	loc, err := store.Publish(context.Background(), "scene-1.mp4", in)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, "renders", "2026", "scene-1.mp4"), loc)
}

func TestFileStorePublishOverwrites(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	first := writeFile(t, src, "a.mp4", "first")
	second := writeFile(t, src, "b.mp4", "second")

	store, err := NewFileStore(FileConfig{Dir: dst})
	require.NoError(t, err)

	_, err = store.Publish(context.Background(), "scene.mp4", first)
	require.NoError(t, err)
	loc, err := store.Publish(context.Background(), "scene.mp4", second)
	require.NoError(t, err)

	got, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestFileStoreRejectsEscapingKey(t *testing.T) {
	src := t.TempDir()
	store, err := NewFileStore(FileConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	in := writeFile(t, src, "x.mp4", "x")
	_, err = store.Publish(context.Background(), "../escape.mp4", in)
	require.Error(t, err)

	var serr *StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Publish", serr.Op)
	assert.Equal(t, "file", serr.Store)
}

func TestFileStorePublishMissingSource(t *testing.T) {
	store, err := NewFileStore(FileConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Publish(context.Background(), "scene.mp4", "/does/not/exist.mp4")
	require.Error(t, err)
}

func TestFileStoreDelete(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	in := writeFile(t, src, "x.mp4", "x")

	store, err := NewFileStore(FileConfig{Dir: dst})
	require.NoError(t, err)

	loc, err := store.Publish(context.Background(), "scene.mp4", in)
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), "scene.mp4"))
	_, err = os.Stat(loc)
	assert.True(t, os.IsNotExist(err))

	// Deleting a missing key is not an error.
	require.NoError(t, store.Delete(context.Background(), "scene.mp4"))
}

func TestFileStoreRequiresDir(t *testing.T) {
	_, err := NewFileStore(FileConfig{})
	require.Error(t, err)
}

func TestS3ConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr bool
	}{
		{name: "valid", cfg: S3Config{Bucket: "b"}},
		{name: "missing bucket", cfg: S3Config{}, wantErr: true},
		{name: "access key without secret", cfg: S3Config{Bucket: "b", AccessKeyID: "AKIA"}, wantErr: true},
		{name: "secret without access key", cfg: S3Config{Bucket: "b", SecretAccessKey: "s"}, wantErr: true},
		{name: "both credentials", cfg: S3Config{Bucket: "b", AccessKeyID: "AKIA", SecretAccessKey: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestS3WrapClassifiesAPIErrors(t *testing.T) {
	store := &S3Store{bucket: "b"}

	tests := []struct {
		code string
		want error
	}{
		{code: "NoSuchKey", want: ErrNotFound},
		{code: "NoSuchBucket", want: ErrNotFound},
		{code: "AccessDenied", want: ErrAccessDenied},
		{code: "InvalidAccessKeyId", want: ErrAccessDenied},
		{code: "SlowDown", want: ErrThrottled},
		{code: "ServiceUnavailable", want: ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := store.wrap("Publish", "k", &smithy.GenericAPIError{Code: tt.code, Message: "nope"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestS3WrapFallsBackToMessage(t *testing.T) {
	store := &S3Store{bucket: "b"}
	err := store.wrap("Delete", "k", errors.New("request returned 403 Forbidden"))
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestNewFromManifest(t *testing.T) {
	t.Run("file store", func(t *testing.T) {
		store, err := New(context.Background(), &manifest.ArtifactConfig{
			Store: "file",
			Path:  t.TempDir(),
		})
		require.NoError(t, err)
		assert.IsType(t, &FileStore{}, store)
	})

	t.Run("unknown store", func(t *testing.T) {
		_, err := New(context.Background(), &manifest.ArtifactConfig{Store: "gcs"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gcs")
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := New(context.Background(), nil)
		require.Error(t, err)
	})
}

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "scene.mp4", joinKey("", "scene.mp4"))
	assert.Equal(t, "renders/scene.mp4", joinKey("renders", "scene.mp4"))
	assert.Equal(t, "renders/scene.mp4", joinKey("renders/", "/scene.mp4"))
}
