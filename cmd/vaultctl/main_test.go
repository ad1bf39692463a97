package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	u "github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/and161185/vaultsync/internal/session"
	"github.com/and161185/vaultsync/internal/settings"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "vaultsync")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "session.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoadClear(t *testing.T) {
	_ = withTmpConfig(t)

	if _, _, err := loadToken(); err == nil {
		t.Fatalf("expected error when session file missing")
	}
	uid := u.Must(u.NewV4())
	sess := model.Session{
		IdentityToken: "exch",
		Provider:      model.ProviderSession{UID: uid, IDToken: "id", ExpiresAt: time.Now().Add(time.Minute)},
	}
	if err := saveToken(sess, "+100"); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	ps, tf, err := loadToken()
	if err != nil || ps.UID != uid || ps.IDToken != "id" || tf.IdentityToken != "exch" || tf.Mobile != "+100" {
		t.Fatalf("loadToken: %+v %+v %v", ps, tf, err)
	}
	fi, err := os.Stat(tokenPath())
	if err != nil || fi.Mode().Perm() != 0o600 {
		t.Fatalf("session file mode: %v %v", fi, err)
	}

	sess.Provider.ExpiresAt = time.Now().Add(-time.Minute)
	if err := saveToken(sess, "+100"); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired session")
	}

	if err := clearToken(); err != nil {
		t.Fatalf("clearToken: %v", err)
	}
	if err := clearToken(); err != nil {
		t.Fatalf("clearToken twice: %v", err)
	}
}

func Test_deviceID_PersistsGenerated(t *testing.T) {
	_ = withTmpConfig(t)

	if got, err := deviceID("fixed"); err != nil || got != "fixed" {
		t.Fatalf("configured device: %q %v", got, err)
	}
	first, err := deviceID("")
	if err != nil || first == "" {
		t.Fatalf("generated device: %q %v", first, err)
	}
	second, err := deviceID("")
	if err != nil || second != first {
		t.Fatalf("device id not stable: %q vs %q (%v)", first, second, err)
	}
}

func Test_readAll_File(t *testing.T) {
	t.Parallel()

	tmp := filepath.Join(t.TempDir(), "f.bin")
	_ = os.WriteFile(tmp, []byte("hello"), 0o600)
	b, err := readAll(tmp)
	if err != nil || string(b) != "hello" {
		t.Fatalf("readAll(file): %q %v", b, err)
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	printJSON(viewSnapshot(model.Snapshot{Kind: model.StreamContacts}))
	_ = w.Close()
	out, _ := io.ReadAll(r)

	var m map[string]any
	if json.Unmarshal(out, &m) != nil || m["kind"] != "contacts" {
		t.Fatalf("printJSON produced unexpected json: %s", string(out))
	}
	if !bytes.Contains(out, []byte("\n  ")) {
		t.Fatalf("printJSON should indent")
	}
}

func Test_parseParent(t *testing.T) {
	t.Parallel()

	if p, err := parseParent(""); err != nil || p != nil {
		t.Fatalf("empty parent: %v %v", p, err)
	}
	id := u.Must(u.NewV4())
	if p, err := parseParent(id.String()); err != nil || *p != id {
		t.Fatalf("parent: %v %v", p, err)
	}
	if _, err := parseParent("nope"); err == nil {
		t.Fatalf("bad parent should error")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	if creds, err := loadTLS("", false, true); err != nil || creds.Info().SecurityProtocol != "insecure" {
		t.Fatalf("plaintext: %v %v", creds, err)
	}
	if creds, err := loadTLS("", true, false); err != nil || creds == nil {
		t.Fatalf("insecure: %v %v", creds, err)
	}
	if creds, err := loadTLS("", false, false); err != nil || creds == nil {
		t.Fatalf("default tls: %v %v", creds, err)
	}
	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	if creds, err := loadTLS(tmp, false, false); err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}
}

func Test_newClient_WithoutDSN(t *testing.T) {
	cfg := settings.Client{
		AuthBaseURL: "http://127.0.0.1:1",
		FeedURL:     "ws://127.0.0.1:1/v1/feed",
		BlobDir:     t.TempDir(),
		AuthTimeout: time.Second,
	}
	c, err := newClient(context.Background(), cfg, nil, zap.NewNop(), session.Observer{})
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	defer c.Close()

	if st := c.orch.State(); st != model.StateUnauthenticated {
		t.Fatalf("state=%v, want unauthenticated", st)
	}
	if _, err := c.orch.CreateFolder(context.Background(), nil, "x"); err == nil {
		t.Fatalf("CreateFolder without a session should fail")
	}
}

func Test_errorExit_TransientFailuresUseTempFail(t *testing.T) {
	line, code := errorExit(&errs.NetworkError{Op: "login", Timeout: true})
	if code != exitTempFail || !strings.Contains(line, "timed out") {
		t.Fatalf("network error: %q %d", line, code)
	}

	line, code = errorExit(&errs.AuthError{Stage: "endpoint", Message: "Invalid credentials."})
	if code != 1 || line != "error: Invalid credentials." {
		t.Fatalf("auth error: %q %d", line, code)
	}

	_, code = errorExit(&errs.LockedError{Remaining: time.Minute})
	if code != 1 {
		t.Fatalf("lockout must not be reported as transient: %d", code)
	}

	if line, code = errorExit(errors.New("boom")); code != 1 || line != "error: boom" {
		t.Fatalf("plain error: %q %d", line, code)
	}
}
