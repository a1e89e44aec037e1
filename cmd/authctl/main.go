package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"github.com/urfave/cli/v2"

	"Civitas/internal/atproto/identity"
	"Civitas/internal/atproto/oauth"
	"Civitas/internal/atproto/pds"
	"Civitas/internal/atproto/xrpc"
	"Civitas/internal/config"
	oauthCore "Civitas/internal/core/oauth"
	"Civitas/internal/db/migrations"
	postgresRepo "Civitas/internal/db/postgres"
)

func main() {
	app := cli.App{
		Name:  "authctl",
		Usage: "inspect and drive the Civitas sign-in core from a terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file to load before reading the environment",
				Value: ".env",
			},
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "resolve",
			Usage:     "resolve a handle to its DID and PDS",
			ArgsUsage: "<handle>",
			Action:    runResolve,
		},
		{
			Name:      "metadata",
			Usage:     "discover the authorization server for a handle",
			ArgsUsage: "<handle>",
			Action:    runMetadata,
		},
		{
			Name:      "login",
			Usage:     "sign in with an app password, or print the OAuth authorization URL",
			ArgsUsage: "<handle>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "password",
					Usage:   "app password (skips OAuth)",
					EnvVars: []string{"AUTHCTL_PASSWORD"},
				},
			},
			Action: runLogin,
		},
		{
			Name:   "demo",
			Usage:  "sign in as the demo identity",
			Action: runDemo,
		},
		{
			Name:   "status",
			Usage:  "show the persisted session",
			Action: runStatus,
		},
		{
			Name:      "call",
			Usage:     "make an authenticated XRPC call with the persisted session",
			ArgsUsage: "<nsid>",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:  "param",
					Usage: "query parameter as key=value (repeatable)",
				},
				&cli.StringFlag{
					Name:  "data",
					Usage: "JSON body; sends a procedure (POST) instead of a query",
				},
			},
			Action: runCall,
		},
		{
			Name:   "logout",
			Usage:  "remove the persisted session",
			Action: runLogout,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type env struct {
	cfg     *config.Config
	service *oauthCore.Service
	xrpc    *xrpc.Client
	close   func()
}

func setup(cctx *cli.Context) (*env, error) {
	cfg, err := config.Load(cctx.String("env-file"))
	if err != nil {
		return nil, err
	}

	var store oauthCore.Store = oauthCore.NewMemoryStore()
	closeFn := func() {}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := migrations.Up(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		store = postgresRepo.NewAuthStateRepository(db)
		closeFn = func() { _ = db.Close() }
	} else {
		fmt.Fprintln(os.Stderr, "warning: DATABASE_URL not set, nothing will be persisted")
	}

	client, err := oauth.NewClientConfig(cfg.PublicURL, cfg.Scope)
	if err != nil {
		closeFn()
		return nil, err
	}
	if cfg.ClientID != "" {
		client.ClientID = cfg.ClientID
	}

	httpClient := oauth.NewHTTPClient(cfg.AllowPrivateIPs)
	proofs := oauth.NewProofManager()

	idConfig := identity.DefaultConfig()
	idConfig.HTTPClient = httpClient
	idConfig.DirectoryURL = cfg.HandleDirectoryURL
	idConfig.PLCURL = cfg.PLCURL
	idConfig.CacheTTL = 0

	svc := oauthCore.NewService(
		oauthCore.Config{Client: client, GlobalHost: cfg.GlobalHost, DefaultServiceHost: cfg.DefaultServiceHost},
		store,
		identity.NewResolver(idConfig),
		oauth.NewDiscoverer(httpClient, oauth.DefaultDiscoveryTimeout),
		oauth.NewTokenClient(httpClient, proofs, oauth.DefaultExchangeTimeout),
		pds.NewPasswordClient(httpClient, cfg.PasswordSessionEndpoint),
		proofs,
	)

	return &env{
		cfg:     cfg,
		service: svc,
		xrpc:    xrpc.NewClient(httpClient, svc, proofs, cfg.DefaultServiceHost),
		close:   closeFn,
	}, nil
}

func requireArg(cctx *cli.Context, name string) (string, error) {
	s := cctx.Args().First()
	if s == "" {
		return "", fmt.Errorf("need to provide %s as an argument", name)
	}
	return s, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runResolve(cctx *cli.Context) error {
	handle, err := requireArg(cctx, "handle")
	if err != nil {
		return err
	}
	cfg, err := config.Load(cctx.String("env-file"))
	if err != nil {
		return err
	}

	idConfig := identity.DefaultConfig()
	idConfig.HTTPClient = oauth.NewHTTPClient(cfg.AllowPrivateIPs)
	idConfig.DirectoryURL = cfg.HandleDirectoryURL
	idConfig.PLCURL = cfg.PLCURL

	id, err := identity.NewResolver(idConfig).ResolveHandle(cctx.Context, handle)
	if err != nil {
		return err
	}
	return printJSON(id)
}

func runMetadata(cctx *cli.Context) error {
	handle, err := requireArg(cctx, "handle")
	if err != nil {
		return err
	}
	cfg, err := config.Load(cctx.String("env-file"))
	if err != nil {
		return err
	}

	httpClient := oauth.NewHTTPClient(cfg.AllowPrivateIPs)
	idConfig := identity.DefaultConfig()
	idConfig.HTTPClient = httpClient
	idConfig.DirectoryURL = cfg.HandleDirectoryURL
	idConfig.PLCURL = cfg.PLCURL

	id, err := identity.NewResolver(idConfig).ResolveHandle(cctx.Context, handle)
	if err != nil {
		return err
	}
	meta, servedBy, err := oauth.NewDiscoverer(httpClient, oauth.DefaultDiscoveryTimeout).Discover(cctx.Context, cfg.GlobalHost, id.PDSURL)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"servedBy": servedBy,
		"metadata": meta,
		"identity": id,
	})
}

func runLogin(cctx *cli.Context) error {
	handle, err := requireArg(cctx, "handle")
	if err != nil {
		return err
	}
	e, err := setup(cctx)
	if err != nil {
		return err
	}
	defer e.close()

	res, err := e.service.Login(cctx.Context, handle, cctx.String("password"))
	if err != nil {
		return err
	}
	if res.AuthorizationURL != "" {
		fmt.Println("open this URL in a browser; the server at", e.cfg.PublicURL, "completes the sign-in:")
		fmt.Println(res.AuthorizationURL)
		return nil
	}
	fmt.Printf("signed in as %s (%s)\n", res.Session.Handle, res.Session.DID)
	return nil
}

func runDemo(cctx *cli.Context) error {
	e, err := setup(cctx)
	if err != nil {
		return err
	}
	defer e.close()

	sess, err := e.service.ActivateDemo(cctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("demo mode active as %s\n", sess.Handle)
	return nil
}

func runStatus(cctx *cli.Context) error {
	e, err := setup(cctx)
	if err != nil {
		return err
	}
	defer e.close()

	if !e.service.Restore(cctx.Context) {
		fmt.Println("not signed in")
		return nil
	}
	st := e.service.State()
	return printJSON(map[string]any{
		"handle": st.Session.Handle,
		"did":    st.Session.DID,
		"method": st.Session.Method,
		"agent":  st.Agent,
		"client": st.Client,
		"dpop":   st.Session.DPoPBound,
	})
}

func runCall(cctx *cli.Context) error {
	nsid, err := requireArg(cctx, "nsid")
	if err != nil {
		return err
	}
	e, err := setup(cctx)
	if err != nil {
		return err
	}
	defer e.close()

	if !e.service.Restore(cctx.Context) {
		return oauthCore.ErrNotAuthenticated
	}

	var resp *xrpc.Response
	if data := cctx.String("data"); data != "" {
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("--data is not valid JSON")
		}
		resp, err = e.xrpc.Procedure(cctx.Context, nsid, json.RawMessage(data))
	} else {
		params := url.Values{}
		for _, p := range cctx.StringSlice("param") {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("invalid --param %q, expected key=value", p)
			}
			params.Add(k, v)
		}
		resp, err = e.xrpc.Query(cctx.Context, nsid, params)
	}
	if resp != nil {
		fmt.Println(string(resp.Body))
	}
	return err
}

func runLogout(cctx *cli.Context) error {
	e, err := setup(cctx)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.service.Logout(cctx.Context); err != nil {
		return err
	}
	fmt.Println("signed out")
	return nil
}
