package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/berthstack/berth/pkg/build"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResources struct {
	uri        string
	uriErr     error
	secrets    map[string]string
	secretsErr error

	gotEngine string
	gotKeys   []string
}

func (r *fakeResources) DatabaseURI(ctx context.Context, engine string) (string, error) {
	r.gotEngine = engine
	return r.uri, r.uriErr
}

func (r *fakeResources) Secrets(ctx context.Context, keys []string) (map[string]string, error) {
	r.gotKeys = keys
	return r.secrets, r.secretsErr
}

func TestLoadFailsWhenDatabaseUnresolvable(t *testing.T) {
	l := NewProcessLoader()
	res := &fakeResources{uriErr: errors.New("provisioner down")}

	artifact := &build.Artifact{
		Project:  "hello",
		Path:     "/nonexistent/artifact",
		Manifest: &build.Manifest{Main: ".", Database: "postgres"},
	}

	_, err := l.Load(context.Background(), artifact, 7500, res, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres database")
	assert.Equal(t, "postgres", res.gotEngine)
}

func TestLoadFailsWhenSecretsUnresolvable(t *testing.T) {
	l := NewProcessLoader()
	res := &fakeResources{secretsErr: errors.New("secrets table unreachable")}

	artifact := &build.Artifact{
		Project:  "hello",
		Path:     "/nonexistent/artifact",
		Manifest: &build.Manifest{Main: ".", Secrets: []string{"api_key"}},
	}

	_, err := l.Load(context.Background(), artifact, 7500, res, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secrets")
	assert.Equal(t, []string{"api_key"}, res.gotKeys)
}

func TestLoadFailsForMissingArtifact(t *testing.T) {
	l := NewProcessLoader()
	artifact := &build.Artifact{
		Project:  "hello",
		Path:     "/nonexistent/artifact",
		Manifest: &build.Manifest{Main: "."},
	}

	_, err := l.Load(context.Background(), artifact, 7500, &fakeResources{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start tenant")
}
