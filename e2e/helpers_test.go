//go:build e2e

package e2e

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"touchline/internal/client"
	"touchline/internal/restclient"

	"github.com/stretchr/testify/require"
)

const authSecret = "test-secret-key-must-be-long-enough-for-base64-if-needed"

type TestServer struct {
	APIAddr   string
	AdminAddr string
	BaseURL   string
	DBPath    string
	Cmd       *exec.Cmd
}

type TestUser struct {
	ID       string
	Username string
	Token    string
}

func getFreePort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	require.NoError(t, err)

	l, err := net.ListenTCP("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T) *TestServer {
	apiAddr := fmt.Sprintf("localhost:%d", getFreePort(t))
	adminAddr := fmt.Sprintf("localhost:%d", getFreePort(t))

	s := &TestServer{
		APIAddr:   apiAddr,
		AdminAddr: adminAddr,
		BaseURL:   fmt.Sprintf("http://%s", apiAddr),
		DBPath:    filepath.Join(t.TempDir(), "touchline-e2e.db"),
	}
	s.Start(t)
	return s
}

func (s *TestServer) env(t *testing.T) []string {
	return append(os.Environ(),
		"AUTH_SECRET="+authSecret,
		"API_ADDR="+s.APIAddr,
		"ADMIN_ADDR="+s.AdminAddr,
		"BASE_URL="+s.BaseURL,
		"TOUCHLINE_DB="+s.DBPath,
		"UPLOADS_PATH="+filepath.Join(filepath.Dir(s.DBPath), "uploads"),
		"LOG_LEVEL=warn",
	)
}

// Start launches the binary and waits until the API accepts connections.
func (s *TestServer) Start(t *testing.T) {
	cmd := exec.Command(serverBinPath)
	cmd.Env = s.env(t)

	// Redirect output to stdout/stderr for debugging if needed
	// cmd.Stdout = os.Stdout
	// cmd.Stderr = os.Stderr

	require.NoError(t, cmd.Start())
	s.Cmd = cmd

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", s.APIAddr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		return false
	}, 5*time.Second, 200*time.Millisecond, "Server failed to start")
}

func (s *TestServer) Stop() {
	if s.Cmd != nil && s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
		_, _ = s.Cmd.Process.Wait()
		s.Cmd = nil
	}
}

// CreateUser runs the binary's -add-user command and returns the printed identity.
func (s *TestServer) CreateUser(t *testing.T, username string) TestUser {
	cmd := exec.Command(serverBinPath, "-add-user", username, "-display-name", username)
	cmd.Env = s.env(t)

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "Failed to create user via CLI: %s", string(output))

	id := regexp.MustCompile(`User ID:\s+(\S+)`).FindStringSubmatch(string(output))
	token := regexp.MustCompile(`Token:\s+(\S+)`).FindStringSubmatch(string(output))
	require.Len(t, id, 2, "Could not find user id in output: %s", string(output))
	require.Len(t, token, 2, "Could not find token in output: %s", string(output))

	return TestUser{ID: id[1], Username: username, Token: token[1]}
}

func (s *TestServer) REST(u TestUser) *restclient.Client {
	return restclient.New(s.BaseURL, u.Token)
}

func (s *TestServer) Session(u TestUser) *client.Session {
	return client.New(client.Config{
		URL:                  fmt.Sprintf("ws://%s/ws", s.APIAddr),
		Token:                u.Token,
		MaxReconnectAttempts: 50,
		ReconnectDelay:       100 * time.Millisecond,
		RequestTimeout:       5 * time.Second,
	})
}

type events chan client.Event

func (e events) HandleEvent(ev client.Event) {
	select {
	case e <- ev:
	default:
	}
}

func listen(s *client.Session) events {
	e := make(events, 256)
	s.Subscribe(e)
	return e
}

// await returns the first event of type T.
func await[T client.Event](t *testing.T, e events) T {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-e:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}
