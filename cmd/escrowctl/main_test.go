package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/priceescrow/internal/crypto"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestKeygen(t *testing.T) {
	code, out, _ := runCmd(t, "keygen")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "private_key = ")
	assert.Contains(t, out, `address     = "0x`)
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCmd(t, "launch")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "usage:")
}

func TestEncryptThenAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	t.Setenv("ESCROW_CLIENT_PRIVATE_KEY", testKey)
	t.Setenv("ESCROW_CLIENT_KEY_PASSWORD", "hunter2")

	code, out, errOut := runCmd(t, "encrypt", "-out", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	key, err := crypto.DecryptKey(data, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	// The encrypted file alone is enough to sign.
	t.Setenv("ESCROW_CLIENT_PRIVATE_KEY", "")
	t.Setenv("ESCROW_CLIENT_ENCRYPTED_KEY_PATH", path)
	code, out, errOut = runCmd(t, "address")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266\n", out)
}

func TestCreateSendsSignedRequest(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		id, err := crypto.VerifyRequest(
			r.Header.Get(crypto.HeaderAddress),
			r.Header.Get(crypto.HeaderSignature),
			r.Header.Get(crypto.HeaderTimestamp),
			r.Method, r.URL.Path, gotBody, time.Now(), time.Minute,
		)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"escrow":{"owner":"` + string(id) + `"}}`))
	}))
	defer srv.Close()

	t.Setenv("ESCROW_CLIENT_PRIVATE_KEY", testKey)
	t.Setenv("ESCROW_CLIENT_BASE_URL", srv.URL)

	code, out, errOut := runCmd(t, "create", "-seed", "42", "-fee", "100")
	require.Equal(t, 0, code, errOut)
	assert.JSONEq(t, `{"seed":42,"entry_fee":100}`, gotBody)
	assert.Contains(t, out, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
}

func TestCallReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/escrows/9", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	}))
	defer srv.Close()

	t.Setenv("ESCROW_CLIENT_BASE_URL", srv.URL)

	code, out, errOut := runCmd(t, "get", "-seed", "9")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "not found")
	assert.True(t, strings.Contains(errOut, "server answered 404"))
}
