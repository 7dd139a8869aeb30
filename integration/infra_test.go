//go:build integration

package integration_test

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/openkcm/session-authority/internal/config"
	"github.com/openkcm/session-authority/internal/dbtest/postgrestest"
	"github.com/openkcm/session-authority/internal/dbtest/valkeytest"
)

type closeFunc func(ctx context.Context)

type infraStat struct {
	PostgresPort   nat.Port
	ValKeyPort     nat.Port
	ConfigFilePath string
	Procdir        string
	Cfg            config.Config

	// DB stays open for assertions on the tables the process works on.
	DB *pgxpool.Pool

	closeFuncs []closeFunc
}

func initInfra(t *testing.T, exeName string) (istat infraStat) {
	t.Helper()

	// Since the config is read from the file $PWD/config.yaml,
	// we're running a process in a subdirectory so that we aren't interferring with the other tests.
	wd, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")
	istat.Procdir = filepath.Join(wd, exeName+"-test")
	istat.ConfigFilePath = filepath.Join(istat.Procdir, "config.yaml")

	err = os.MkdirAll(istat.Procdir, fs.ModePerm)
	require.NoError(t, err, "failed to create a dir for the process")

	err = os.WriteFile(istat.ConfigFilePath, []byte(validConfig), fs.ModePerm)
	require.NoError(t, err, "failed to write config file")

	err = commoncfg.LoadConfig(&istat.Cfg, nil, istat.Procdir)
	require.NoError(t, err, "failed to load config")

	istat.Cfg.HTTP.Address = "unix://" + filepath.Join(istat.Procdir, exeName+".sock")
	istat.Cfg.GRPC.Address = net.JoinHostPort("localhost", strconv.Itoa(freePort(t)))

	// the encoded file replaces the defaults of the binary, so the cookies are spelled out
	cookie := func(name string) config.CookieTemplate {
		return config.CookieTemplate{Name: name, Path: "/", HTTPOnly: true, SameSite: config.CookieSameSiteLax}
	}
	istat.Cfg.Session.Cookie = cookie("session")
	istat.Cfg.Session.CSRFCookie = config.CookieTemplate{Name: "csrf_token", Path: "/", SameSite: config.CookieSameSiteLax}
	istat.Cfg.Login.StateCookie = cookie("google_oauth_state")
	istat.Cfg.Login.VerifierCookie = cookie("google_code_verifier")

	return istat
}

func (istat *infraStat) PreparePostgres(t *testing.T) {
	t.Helper()

	pgClient, pgPort, pgTerminate := postgrestest.Start(t.Context())

	istat.DB = pgClient
	istat.PostgresPort = pgPort
	istat.closeFuncs = append(istat.closeFuncs, pgTerminate)

	istat.Cfg.Database.Name = postgrestest.DBName
	istat.Cfg.Database.User = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBUser}
	istat.Cfg.Database.Password = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBPassword}
	istat.Cfg.Database.Host = commoncfg.SourceRef{Source: "embedded", Value: postgrestest.DBHost}
	istat.Cfg.Database.Port = pgPort.Port()
	istat.Cfg.Database.SSLMode = postgrestest.DBSSLMode
}

func (istat *infraStat) PrepareValKey(t *testing.T) {
	t.Helper()

	vkClient, vkPort, vkTerminate := valkeytest.Start(t.Context())
	vkClient.Close()

	istat.ValKeyPort = vkPort
	istat.closeFuncs = append(istat.closeFuncs, vkTerminate)

	istat.Cfg.ValKey.Host = commoncfg.SourceRef{Source: "embedded", Value: net.JoinHostPort("localhost", vkPort.Port())}
	istat.Cfg.ValKey.User = commoncfg.SourceRef{Source: "embedded", Value: ""}
	istat.Cfg.ValKey.Password = commoncfg.SourceRef{Source: "embedded", Value: ""}
}

// PrepareConfig writes a config file for running the test into the ConfigFilePath.
func (istat *infraStat) PrepareConfig(t *testing.T) {
	t.Helper()

	configFile, err := os.Create(istat.ConfigFilePath)
	require.NoError(t, err, "failed to create config file")

	err = yaml.NewEncoder(configFile).Encode(istat.Cfg)
	require.NoError(t, err, "failed to write config")
	configFile.Close()
}

// Run runs the binary with cmdName inside Procdir until it exits.
func (istat *infraStat) Run(t *testing.T, ctx context.Context, cmdName string) {
	t.Helper()

	cmd, cmdOut := istat.command(t, ctx, cmdName)
	defer cmdOut.Close()

	require.NoError(t, cmd.Run(), "%s exited abnormally", cmdName)
}

// Start runs the binary with cmdName inside Procdir. The returned stop
// function sends SIGTERM and waits so that coverprofiles are written.
func (istat *infraStat) Start(t *testing.T, ctx context.Context, cmdName string) (stop func()) {
	t.Helper()

	cmd, cmdOut := istat.command(t, ctx, cmdName)
	require.NoError(t, cmd.Start(), "could not start command")

	return func() {
		defer cmdOut.Close()

		_ = syscall.Kill(cmd.Process.Pid, syscall.SIGTERM)
		err := cmd.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && !ws.Signaled() {
					t.Errorf("%s exited abnormally: %s", cmdName, err)
				}
			}
		}
	}
}

func (istat *infraStat) command(t *testing.T, ctx context.Context, cmdName string) (*exec.Cmd, *os.File) {
	t.Helper()

	currdir, err := os.Getwd()
	require.NoError(t, err, "failed to get wd")

	cmd := exec.CommandContext(ctx, filepath.Join(currdir, binary), cmdName)
	cmd.Dir = istat.Procdir

	cmdOutPath := filepath.Join(currdir, cmdName+".log")
	cmdOut, err := os.Create(cmdOutPath)
	require.NoError(t, err, "failed to create a log file")

	cmd.Stdout = cmdOut
	cmd.Stderr = cmdOut
	t.Logf("starting %s. Logs will be saved into %s", cmdName, cmdOutPath)

	return cmd, cmdOut
}

func (istat *infraStat) Close(ctx context.Context) {
	os.Remove(istat.ConfigFilePath)
	os.RemoveAll(istat.Procdir)

	for _, close := range istat.closeFuncs {
		close(ctx)
	}
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := new(net.ListenConfig).Listen(t.Context(), "tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}
