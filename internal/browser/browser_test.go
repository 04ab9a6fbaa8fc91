package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLaunchArgs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profile")
	args, err := buildLaunchArgs(9333, Options{
		UserDataDir: dir,
		Headless:    true,
		Args:        []string{"--lang=en"},
		StartURL:    "https://example.com/",
	})
	require.NoError(t, err)

	assert.Equal(t, "--remote-debugging-port=9333", args[0])
	assert.Contains(t, args, "--user-data-dir="+dir)
	assert.Contains(t, args, "--headless=new")
	assert.Contains(t, args, "--lang=en")
	assert.Equal(t, "https://example.com/", args[len(args)-1], "起始页必须是最后一个参数")
	assert.DirExists(t, dir)
}

func TestPickPort_FallsBackWhenBusy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	port, err := pickPort(busy)
	require.NoError(t, err)
	assert.NotEqual(t, busy, port)
	assert.Positive(t, port)
}

func TestWaitDevToolsReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/json/version" {
			_, _ = w.Write([]byte(`{"Browser":"Chrome"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, waitDevToolsReady(ctx, srv.URL))
}

func TestWaitDevToolsReady_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, waitDevToolsReady(ctx, srv.URL), context.DeadlineExceeded)
}

func TestStart_MissingExecutable(t *testing.T) {
	_, err := Start(context.Background(), Options{ExecPath: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
}
