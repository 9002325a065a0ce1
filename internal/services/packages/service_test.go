package packages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	env   []string
	stdin string
	name  string
	args  []string
}

type mockExecutor struct {
	calls       []execCall
	executeFunc func(name string, args []string) ([]byte, error)
}

func (m *mockExecutor) Execute(_ context.Context, env []string, stdin io.Reader, name string, args ...string) ([]byte, error) {
	call := execCall{env: env, name: name, args: args}
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		call.stdin = string(b)
	}
	m.calls = append(m.calls, call)
	if m.executeFunc != nil {
		return m.executeFunc(name, args)
	}
	return nil, nil
}

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("#!/bin/bash\necho ok\n")),
	}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

const dpkgOutput = "mariadb-server-10.3\tinstalled\n" +
	"mariadb-client-10.3\tinstalled\n" +
	"mariadb-common\tinstalled\n" +
	"mariadb-server-core-10.2\tconfig-files\n" +
	"galera-3\tinstalled\n" +
	"libmariadb3\tinstalled\n" +
	"nginx\tinstalled\n"

var family = []string{"mariadb", "galera"}

func TestParseInstalled(t *testing.T) {
	got := ParseInstalled([]byte(dpkgOutput), family)

	assert.Equal(t, []string{"mariadb-server-10.3", "mariadb-client-10.3", "mariadb-common", "galera-3", "libmariadb3"}, got)
}

func TestParseInstalled_ClientLibraries(t *testing.T) {
	output := "mariadb-server-10.3\tinstalled\n" +
		"libmariadb3\tinstalled\n" +
		"libmariadbclient18\tinstalled\n" +
		"libmariadb-dev\tinstalled\n" +
		"galera-3\tinstalled\n" +
		"mysql-common\tinstalled\n"

	got := ParseInstalled([]byte(output), family)

	assert.Equal(t, []string{"mariadb-server-10.3", "libmariadb3", "libmariadbclient18", "libmariadb-dev", "galera-3"}, got)
}

func TestParseInstalled_Empty(t *testing.T) {
	assert.Empty(t, ParseInstalled([]byte("nginx\tinstalled\n\n"), family))
	assert.Empty(t, ParseInstalled(nil, family))
}

func TestInstalled_QueryFails(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(string, []string) ([]byte, error) {
			return []byte("dpkg-query: error"), errors.New("exit status 2")
		},
	}
	svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

	_, err := svc.Installed(context.Background(), family)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dpkg-query failed")
}

func TestRemove_Success(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(name string, _ []string) ([]byte, error) {
			if name == "dpkg-query" {
				return []byte(dpkgOutput), nil
			}
			return []byte("Removing mariadb-server-10.3 ..."), nil
		},
	}
	svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

	result, err := svc.Remove(context.Background(), family)

	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.Len(t, result.Packages, 5)

	require.Len(t, executor.calls, 2)
	apt := executor.calls[1]
	assert.Equal(t, "apt-get", apt.name)
	assert.Contains(t, apt.env, "DEBIAN_FRONTEND=noninteractive")
	assert.Contains(t, apt.args, "--assume-yes")
	assert.Contains(t, apt.args, "--option=Dpkg::Options::=--force-confold")
	assert.Contains(t, apt.args, "remove")
	assert.Equal(t, []string{"mariadb-server-10.3", "mariadb-client-10.3", "mariadb-common", "galera-3", "libmariadb3"}, apt.args[len(apt.args)-5:])
}

func TestRemove_NothingInstalled(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(string, []string) ([]byte, error) {
			return []byte("nginx\tinstalled\n"), nil
		},
	}
	svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

	result, err := svc.Remove(context.Background(), family)

	require.NoError(t, err)
	assert.NoError(t, result.Error)
	assert.Empty(t, result.Packages)
	assert.Len(t, executor.calls, 1)
}

func TestRemove_AptFails(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(name string, _ []string) ([]byte, error) {
			if name == "dpkg-query" {
				return []byte(dpkgOutput), nil
			}
			return []byte("Reading package lists...\nE: Could not get lock /var/lib/dpkg/lock-frontend"), errors.New("exit status 100")
		},
	}
	svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

	result, err := svc.Remove(context.Background(), family)

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "apt-get remove failed")
	assert.Contains(t, result.Error.Error(), "Could not get lock")
}

func TestVerifyRemoved(t *testing.T) {
	t.Run("clean", func(t *testing.T) {
		executor := &mockExecutor{
			executeFunc: func(string, []string) ([]byte, error) {
				return []byte("mariadb-common\tconfig-files\nnginx\tinstalled\n"), nil
			},
		}
		svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

		assert.NoError(t, svc.VerifyRemoved(context.Background(), family))
	})

	t.Run("client library residue", func(t *testing.T) {
		executor := &mockExecutor{
			executeFunc: func(string, []string) ([]byte, error) {
				return []byte("libmariadbclient18\tinstalled\n"), nil
			},
		}
		svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

		err := svc.VerifyRemoved(context.Background(), family)

		require.ErrorIs(t, err, ErrPackageResidue)
		assert.Contains(t, err.Error(), "libmariadbclient18")
	})

	t.Run("residue", func(t *testing.T) {
		executor := &mockExecutor{
			executeFunc: func(string, []string) ([]byte, error) {
				return []byte("galera-3\tinstalled\n"), nil
			},
		}
		svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

		err := svc.VerifyRemoved(context.Background(), family)

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPackageResidue))
		assert.Contains(t, err.Error(), "galera-3")
	})
}

func TestBootstrap_Success(t *testing.T) {
	script := "#!/bin/bash\necho setup\n"
	sum := sha256.Sum256([]byte(script))

	var requested string
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			requested = req.URL.String()
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(script))}, nil
		},
	}
	executor := &mockExecutor{}
	svc := NewWithDeps(testLogger(), executor, httpClient)

	cfg := models.BootstrapConfig{
		URL:    "https://r.mariadb.com/downloads/mariadb_repo_setup",
		SHA256: hex.EncodeToString(sum[:]),
	}
	result, err := svc.Bootstrap(context.Background(), cfg, "10.6")

	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.Equal(t, cfg.URL, requested)

	require.Len(t, executor.calls, 1)
	assert.Equal(t, "bash", executor.calls[0].name)
	assert.Equal(t, []string{"-s", "--", "--mariadb-server-version=mariadb-10.6"}, executor.calls[0].args)
	assert.Equal(t, script, executor.calls[0].stdin)
}

func TestBootstrap_ChecksumMismatch(t *testing.T) {
	executor := &mockExecutor{}
	svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

	cfg := models.BootstrapConfig{
		URL:    "https://r.mariadb.com/downloads/mariadb_repo_setup",
		SHA256: strings.Repeat("0", 64),
	}
	result, err := svc.Bootstrap(context.Background(), cfg, "10.6")

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "checksum mismatch")
	assert.Empty(t, executor.calls)
}

func TestBootstrap_HTTPError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(""))}, nil
		},
	}
	executor := &mockExecutor{}
	svc := NewWithDeps(testLogger(), executor, httpClient)

	result, err := svc.Bootstrap(context.Background(), models.BootstrapConfig{URL: "https://example.com/setup"}, "10.6")

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "HTTP 404")
	assert.Empty(t, executor.calls)
}

func TestBootstrap_NetworkError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(*http.Request) (*http.Response, error) {
			return nil, errors.New("dial tcp: no route to host")
		},
	}
	svc := NewWithDeps(testLogger(), &mockExecutor{}, httpClient)

	result, err := svc.Bootstrap(context.Background(), models.BootstrapConfig{URL: "https://example.com/setup"}, "10.6")

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "no route to host")
}

func TestBootstrap_ScriptFails(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(string, []string) ([]byte, error) {
			return []byte("# [info] Checking for script prerequisites.\n# [error] Unsupported distribution\n"), errors.New("exit status 1")
		},
	}
	svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

	result, err := svc.Bootstrap(context.Background(), models.BootstrapConfig{URL: "https://example.com/setup"}, "10.6")

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "repository setup failed")
	assert.Contains(t, result.Error.Error(), "Unsupported distribution")
}

func TestUpdateAndInstall(t *testing.T) {
	executor := &mockExecutor{}
	svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

	update, err := svc.Update(context.Background())
	require.NoError(t, err)
	require.NoError(t, update.Error)

	install, err := svc.Install(context.Background(), []string{"mariadb-server", "libmariadb-dev"})
	require.NoError(t, err)
	require.NoError(t, install.Error)

	require.Len(t, executor.calls, 2)
	assert.Equal(t, "update", executor.calls[0].args[len(executor.calls[0].args)-1])
	assert.Equal(t, []string{"install", "mariadb-server", "libmariadb-dev"}, executor.calls[1].args[len(executor.calls[1].args)-3:])
}

func TestInstall_Fails(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(string, []string) ([]byte, error) {
			return []byte("E: Unable to locate package mariadb-server"), errors.New("exit status 100")
		},
	}
	svc := NewWithDeps(testLogger(), executor, &mockHTTPClient{})

	result, err := svc.Install(context.Background(), []string{"mariadb-server"})

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "apt-get install failed")
}

func TestInstall_Empty(t *testing.T) {
	svc := NewWithDeps(testLogger(), &mockExecutor{}, &mockHTTPClient{})

	result, err := svc.Install(context.Background(), nil)

	require.NoError(t, err)
	assert.Error(t, result.Error)
}
