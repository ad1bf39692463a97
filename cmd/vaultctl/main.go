// Command vaultctl signs in to a vaultsync deployment and drives a client session.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpcinsecure "google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/and161185/vaultsync/internal/appconfig"
	"github.com/and161185/vaultsync/internal/authclient"
	"github.com/and161185/vaultsync/internal/blob"
	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/hierarchy"
	"github.com/and161185/vaultsync/internal/identity"
	"github.com/and161185/vaultsync/internal/lockout"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/and161185/vaultsync/internal/notify"
	"github.com/and161185/vaultsync/internal/quota"
	"github.com/and161185/vaultsync/internal/realtime/wsfeed"
	"github.com/and161185/vaultsync/internal/repository/postgres"
	"github.com/and161185/vaultsync/internal/session"
	"github.com/and161185/vaultsync/internal/settings"
	"github.com/and161185/vaultsync/internal/stream"
)

// ---- config/token store ----

type tokenFile struct {
	UID           string    `json:"uid"`
	IDToken       string    `json:"id_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	IdentityToken string    `json:"identity_token"`
	Mobile        string    `json:"mobile"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "vaultsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vaultsync")
}

func tokenPath() string { return filepath.Join(cfgDir(), "session.json") }

func saveToken(sess model.Session, mobile string) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{
		UID:           sess.Provider.UID.String(),
		IDToken:       sess.Provider.IDToken,
		ExpiresAt:     sess.Provider.ExpiresAt,
		IdentityToken: sess.IdentityToken,
		Mobile:        mobile,
	})
}

func loadToken() (model.ProviderSession, tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return model.ProviderSession{}, tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return model.ProviderSession{}, tokenFile{}, err
	}
	uid, err := u.FromString(tf.UID)
	if err != nil || tf.IDToken == "" || time.Now().After(tf.ExpiresAt) {
		return model.ProviderSession{}, tokenFile{}, errors.New("no valid session (login required)")
	}
	return model.ProviderSession{UID: uid, IDToken: tf.IDToken, ExpiresAt: tf.ExpiresAt}, tf, nil
}

func clearToken() error {
	err := os.Remove(tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// deviceID returns the configured device id, or a generated one persisted under cfgDir.
func deviceID(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	p := filepath.Join(cfgDir(), "device_id")
	if b, err := os.ReadFile(p); err == nil && len(strings.TrimSpace(string(b))) > 0 {
		return strings.TrimSpace(string(b)), nil
	}
	id, err := u.NewV4()
	if err != nil {
		return "", err
	}
	_ = os.MkdirAll(cfgDir(), 0o700)
	if err := os.WriteFile(p, []byte(id.String()), 0o600); err != nil {
		return "", err
	}
	return id.String(), nil
}

// ---- grpc dial ----

func loadTLS(caPath string, insecure, plaintext bool) (credentials.TransportCredentials, error) {
	if plaintext {
		return grpcinsecure.NewCredentials(), nil
	}
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(addr string, creds credentials.TransportCredentials) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
}

// ---- wiring ----

type client struct {
	orch    *session.Orchestrator
	closers []func()
	errc    chan string
}

func (c *client) Close() {
	c.orch.Logout()
	c.orch.Close()
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// newClient assembles an Orchestrator. With a DSN the quota ledger, lockout state, avatar
// metadata, folders and notifications go to Postgres; without one only sign-in and streams work.
func newClient(ctx context.Context, cfg settings.Client, cc grpc.ClientConnInterface, log *zap.Logger, obs session.Observer) (*client, error) {
	c := &client{errc: make(chan string, 8)}
	var orch *session.Orchestrator
	token := func() string {
		if orch == nil {
			return ""
		}
		s, _ := orch.Session()
		return s.Provider.IDToken
	}

	provider := identity.NewGRPCProvider(cc)
	blobs, err := blob.NewFS(cfg.BlobDir)
	if err != nil {
		return nil, err
	}
	deps := session.Deps{
		Exchange: authclient.New(cfg.AuthBaseURL, authclient.WithTimeout(cfg.AuthTimeout), authclient.WithLogger(log)),
		Provider: provider,
		Streams:  stream.NewSupervisor(wsfeed.New(cfg.FeedURL, token, log), provider, log),
		Profiles: provider,
		Blobs:    blobs,
	}

	var lockStore lockout.Store = lockout.NewMemStore()
	if cfg.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		c.closers = append(c.closers, pool.Close)
		db := &postgres.DB{Pool: pool}
		resources := postgres.NewResourceRepo(db)
		sink := notify.NewPGSink(resources, 0, log)
		c.closers = append(c.closers, sink.Close)

		lockStore = lockout.NewPG(pool)
		deps.Config = appconfig.NewGate(appconfig.NewPGSource(pool, cfg.ConfigKey), log)
		deps.Ledger = quota.NewLedger(postgres.NewUsageRepo(db), quota.Options{Logger: log})
		deps.Avatars = postgres.NewUserRepo(db)
		deps.Folders = hierarchy.NewService(resources, log)
		deps.Notify = sink
	} else {
		deps.Config = appconfig.NewGate(appconfig.Static{}, log)
		deps.Ledger = quota.NewLedger(quota.NewMemStore(), quota.Options{Logger: log})
	}
	guard := lockout.NewGuard(lockStore, lockout.Options{Logger: log})
	c.closers = append(c.closers, guard.Stop)
	deps.Lockout = guard

	onErr := obs.OnError
	obs.OnError = func(msg string) {
		select {
		case c.errc <- msg:
		default:
		}
		if onErr != nil {
			onErr(msg)
		}
	}
	orch = session.New(deps, obs, session.Options{Logger: log})
	c.orch = orch
	return c, nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type snapshotView struct {
	Kind  string           `json:"kind"`
	At    time.Time        `json:"at"`
	Items []model.Resource `json:"items"`
}

func viewSnapshot(s model.Snapshot) snapshotView {
	return snapshotView{Kind: s.Kind.String(), At: s.At, Items: s.Items}
}

func parseParent(s string) (*u.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := u.FromString(s)
	if err != nil {
		return nil, fmt.Errorf("bad parent id: %w", err)
	}
	return &id, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `vaultctl
Usage:
  vaultctl [-identity HOST:PORT] [-cacert file | -insecure | -plaintext] [-v] <cmd> [args]

Configuration is read from VAULTSYNC_* variables and an optional .env file.

Commands:
  version
  register   -m <mobile> -p <secret>               (signs in, saves session)
  login      -m <mobile> -p <secret>               (saves session)
  passwd     -p <new secret>
  watch      [-retry 5s]                           (prints snapshots until interrupted)
  set-avatar -file <image|->
  mkdir      -name <name> [-parent <uuid>]
  notify     -to <uuid> -title <t> -msg <m> [-category c]
  logout
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	_ = settings.LoadDotEnv(".env")
	cfg, err := settings.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	addr := flag.String("identity", cfg.IdentityAddr, "identity service addr")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	insecure := flag.Bool("insecure", false, "skip cert verify (dev)")
	plaintext := flag.Bool("plaintext", false, "no TLS (local dev)")
	verbose := flag.Bool("v", false, "debug logging to stderr")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	if cmd == "version" {
		fmt.Printf("vaultctl %s (%s)\n", version, buildDate)
		return
	}
	if cmd == "logout" {
		if err := clearToken(); err != nil {
			fail(err)
		}
		fmt.Println("signed out")
		return
	}

	log := zap.NewNop()
	if *verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			log = l
		}
	}
	defer func() { _ = log.Sync() }()

	dev, err := deviceID(cfg.DeviceID)
	if err != nil {
		fail(err)
	}
	creds, err := loadTLS(*caPath, *insecure, *plaintext)
	if err != nil {
		fail(err)
	}
	cc, err := dial(*addr, creds)
	if err != nil {
		fail(err)
	}
	defer cc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := session.Observer{
		OnLockout: func(st session.LockoutState) {
			if st.Locked {
				fmt.Fprintf(os.Stderr, "account locked, %ds left\n", int(st.Remaining.Seconds()+0.999))
			}
		},
		OnReauth: func() {
			_ = clearToken()
			fmt.Fprintln(os.Stderr, "session ended, please log in again")
		},
	}

	switch cmd {

	case "register", "login":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		mobile := fs.String("m", "", "mobile number")
		secret := fs.String("p", "", "secret")
		_ = fs.Parse(flag.Args()[1:])
		if *mobile == "" || *secret == "" {
			fmt.Fprintf(os.Stderr, "%s: -m and -p required\n", cmd)
			os.Exit(1)
		}
		mode := model.ModeLogin
		if cmd == "register" {
			mode = model.ModeRegister
		}
		c, err := newClient(ctx, cfg, cc, log, obs)
		if err != nil {
			fail(err)
		}
		defer c.Close()
		sess, err := c.orch.Authenticate(ctx, mode, model.Credentials{Mobile: *mobile, Secret: *secret, DeviceID: dev})
		if err != nil {
			fail(err)
		}
		if err := saveToken(sess, *mobile); err != nil {
			fail(err)
		}
		printJSON(map[string]any{
			"uid":               sess.Provider.UID.String(),
			"expires_at":        sess.Provider.ExpiresAt,
			"max_storage_bytes": sess.Config.MaxStorageBytes,
			"max_card_count":    sess.Config.MaxCardCount,
			"storage_used":      sess.Profile.StorageUsedBytes,
		})

	case "passwd":
		fs := flag.NewFlagSet("passwd", flag.ExitOnError)
		secret := fs.String("p", "", "new secret")
		_ = fs.Parse(flag.Args()[1:])
		if *secret == "" {
			fmt.Fprintln(os.Stderr, "passwd: -p required")
			os.Exit(1)
		}
		c := resume(ctx, cfg, cc, log, obs, dev)
		defer c.Close()
		if err := c.orch.UpdateCredential(ctx, *secret); err != nil {
			fail(err)
		}
		fmt.Println("secret updated")

	case "watch":
		fs := flag.NewFlagSet("watch", flag.ExitOnError)
		retry := fs.Duration("retry", 5*time.Second, "delay before restarting a failed stream (0 disables)")
		_ = fs.Parse(flag.Args()[1:])

		snaps := make(chan model.Snapshot, 16)
		obs.OnSnapshot = func(s model.Snapshot) {
			select {
			case snaps <- s:
			case <-ctx.Done():
			}
		}
		failed := make(chan model.StreamKind, len(model.StreamKinds))
		obs.OnStreamError = func(kind model.StreamKind, msg string) {
			fmt.Fprintf(os.Stderr, "%s stream: %s\n", kind, msg)
			select {
			case failed <- kind:
			default:
			}
		}
		c := resume(ctx, cfg, cc, log, obs, dev)
		defer c.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-c.errc:
				if c.orch.State() != model.StateActive {
					fmt.Fprintln(os.Stderr, msg)
					os.Exit(1)
				}
			case kind := <-failed:
				if *retry > 0 {
					time.AfterFunc(*retry, func() {
						if ctx.Err() == nil {
							c.orch.RetryStream(kind)
						}
					})
				}
			case s := <-snaps:
				printJSON(viewSnapshot(s))
			}
		}

	case "set-avatar":
		fs := flag.NewFlagSet("set-avatar", flag.ExitOnError)
		file := fs.String("file", "", "image path or -")
		_ = fs.Parse(flag.Args()[1:])
		if *file == "" {
			fmt.Fprintln(os.Stderr, "set-avatar: -file required")
			os.Exit(1)
		}
		data, err := readAll(*file)
		if err != nil {
			fail(err)
		}
		c := resume(ctx, cfg, cc, log, obs, dev)
		defer c.Close()
		res, err := c.orch.ReplaceProfileImage(ctx, data)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{
			"url":         res.URL,
			"prior_bytes": res.PriorBytes,
			"new_bytes":   res.NewBytes,
			"usage":       res.Usage,
		})

	case "mkdir":
		fs := flag.NewFlagSet("mkdir", flag.ExitOnError)
		name := fs.String("name", "", "folder name")
		parent := fs.String("parent", "", "parent folder id")
		_ = fs.Parse(flag.Args()[1:])
		if *name == "" {
			fmt.Fprintln(os.Stderr, "mkdir: -name required")
			os.Exit(1)
		}
		pid, err := parseParent(*parent)
		if err != nil {
			fail(err)
		}
		c := resume(ctx, cfg, cc, log, obs, dev)
		defer c.Close()
		r, err := c.orch.CreateFolder(ctx, pid, *name)
		if err != nil {
			fail(err)
		}
		printJSON(map[string]any{"id": r.ID.String(), "name": r.Name, "depth": r.Depth, "ver": r.Ver})

	case "notify":
		fs := flag.NewFlagSet("notify", flag.ExitOnError)
		to := fs.String("to", "", "recipient uid")
		title := fs.String("title", "", "title")
		msg := fs.String("msg", "", "message")
		category := fs.String("category", "general", "category")
		_ = fs.Parse(flag.Args()[1:])
		rcpt, err := u.FromString(*to)
		if err != nil || *title == "" {
			fmt.Fprintln(os.Stderr, "notify: -to <uuid> and -title required")
			os.Exit(1)
		}
		if cfg.DSN == "" {
			fail(errors.New("notify needs VAULTSYNC_DSN"))
		}
		c := resume(ctx, cfg, cc, log, obs, dev)
		defer c.Close()
		if err := c.orch.SendNotification(rcpt, model.Notification{Title: *title, Message: *msg, Category: *category}); err != nil {
			fail(err)
		}
		fmt.Println("queued")

	default:
		usage()
	}
}

// resume restores the saved session; any failure ends the process.
func resume(ctx context.Context, cfg settings.Client, cc grpc.ClientConnInterface, log *zap.Logger, obs session.Observer, dev string) *client {
	psess, tf, err := loadToken()
	if err != nil {
		fail(err)
	}
	c, err := newClient(ctx, cfg, cc, log, obs)
	if err != nil {
		fail(err)
	}
	if _, err := c.orch.Resume(ctx, psess, tf.IdentityToken, dev); err != nil {
		c.Close()
		fail(err)
	}
	return c
}

// exitTempFail is sysexits' EX_TEMPFAIL: the same command may succeed when retried.
const exitTempFail = 75

func fail(err error) {
	line, code := errorExit(err)
	fmt.Fprintln(os.Stderr, line)
	os.Exit(code)
}

func errorExit(err error) (string, int) {
	if st, ok := status.FromError(err); ok && st.Message() != "" && !isDomain(err) {
		return fmt.Sprintf("error: %s %s", st.Code(), st.Message()), 1
	}
	if errs.Retryable(err) {
		return "error: " + errs.Message(err), exitTempFail
	}
	return "error: " + errs.Message(err), 1
}

func isDomain(err error) bool {
	var (
		ae *errs.AuthError
		ne *errs.NetworkError
	)
	return errors.As(err, &ae) || errors.As(err, &ne)
}
