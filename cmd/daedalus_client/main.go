package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daedalus/daedalus_client/internal/app"
	"github.com/daedalus/daedalus_client/internal/config"
	"github.com/daedalus/daedalus_client/internal/daemon"
	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/identity"
	"github.com/daedalus/daedalus_client/internal/registry"
	"github.com/daedalus/daedalus_client/internal/util"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const registerTimeout = time.Minute

type options struct {
	configFile    string
	writePid      bool
	pidFile       string
	genKey        bool
	registerToken string
	showVersion   bool
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet(config.AppName, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configFile, "config", "", "")
	fs.BoolVar(&opts.writePid, "pid", false, "")
	fs.StringVar(&opts.pidFile, "pidfile", "", "")
	fs.BoolVar(&opts.genKey, "genkey", false, "")
	fs.StringVar(&opts.registerToken, "register", "", "")
	fs.BoolVar(&opts.showVersion, "version", false, "")

	fs.Usage = func() {
		w := fs.Output()
		_, _ = fmt.Fprintf(w, "%s\n\n", i18n.T("usage_header", nil))
		_, _ = fmt.Fprintf(w, "%s\n", i18n.T("usage_format", nil))
		_, _ = fmt.Fprintf(w, "\n%s\n", i18n.T("options_header", nil))

		_, _ = fmt.Fprintf(w, "  -config %s\n    \t%s\n", "filename", i18n.T("flag_config_desc", nil))
		_, _ = fmt.Fprintf(w, "  -pid\n    \t%s\n", i18n.T("flag_pid_desc", nil))
		_, _ = fmt.Fprintf(w, "  -pidfile %s\n    \t%s\n", "filename", i18n.T("flag_pidfile_desc", nil))
		_, _ = fmt.Fprintf(w, "  -genkey\n    \t%s\n", i18n.T("flag_genkey_desc", nil))
		_, _ = fmt.Fprintf(w, "  -register %s\n    \t%s\n", "token", i18n.T("flag_register_desc", nil))
		_, _ = fmt.Fprintf(w, "  -version\n    \t%s\n", i18n.T("flag_version_desc", nil))
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		err := errors.New(i18n.T("unexpected_arguments", map[string]any{"Args": fs.Args()}))
		fs.Usage()
		return opts, err
	}
	if opts.pidFile != "" {
		opts.writePid = true
	}
	return opts, nil
}

func setupLogging(cfg config.Config) (func(), error) {
	level := cfg.LogLevel()

	if cfg.Logging.LogFile == "" {
		util.SetDefaultLogger(level, os.Stderr)
		return func() {}, nil
	}

	logFile, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, util.NewError(util.ErrTypeConfig,
			i18n.T("log_file_open_error", map[string]any{"Path": cfg.Logging.LogFile}), err)
	}
	util.SetDefaultLogger(level, logFile)
	return func() { _ = logFile.Close() }, nil
}

func keyPath(cfg config.Config) (string, error) {
	if cfg.Connection.KeyFile != "" {
		return cfg.Connection.KeyFile, nil
	}
	return identity.DefaultKeyPath()
}

func genKey(cfg config.Config, stdout io.Writer) error {
	path, err := keyPath(cfg)
	if err != nil {
		return err
	}

	pair, err := identity.NewEd25519Generator().GenerateKey(path)
	if err != nil {
		return err
	}

	_, err = stdout.Write(pair.PublicKey)
	return err
}

func register(ctx context.Context, cfg config.Config, token string) error {
	if cfg.Registration.URL == "" {
		return util.NewError(util.ErrTypeConfig, i18n.T("registration_url_missing", nil), nil)
	}

	path, err := keyPath(cfg)
	if err != nil {
		return err
	}

	reg, err := identity.RegistrationFor(token, path+".pub")
	if err != nil {
		return err
	}
	reg.Name = cfg.Identity.Name
	reg.Contact = cfg.Identity.Contact

	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	return identity.NewClient(cfg.UserAgent(version)).Register(ctx, cfg.Registration.URL, reg)
}

// runCommand handles the one-shot -genkey and -register modes. Neither needs
// a complete connection section, so configuration is read without
// validation.
func runCommand(opts options) int {
	cfg, err := config.Read(opts.configFile)
	if err != nil {
		util.LogError(i18n.T("config_load_error", nil), err, nil)
		return app.ExitError
	}

	if opts.genKey {
		if err := genKey(cfg, os.Stdout); err != nil {
			util.LogError(i18n.T("keygen_failed", nil), err, nil)
			return app.ExitError
		}
		return app.ExitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := register(ctx, cfg, opts.registerToken); err != nil {
		util.LogError(i18n.T("register_failed", nil), err, nil)
		return app.ExitError
	}
	return app.ExitOK
}

func run(args []string) int {
	util.InitDefaultLogger()

	if err := i18n.InitDefaultFS(); err != nil {
		// i18n.T is unavailable here.
		util.Warn("Failed to initialize localization", map[string]any{"error": err})
	}

	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return app.ExitOK
		}
		return app.ExitError
	}

	if opts.showVersion {
		_, _ = fmt.Fprintf(os.Stdout, "%s %s\n", config.AppName, version)
		return app.ExitOK
	}

	if opts.genKey || opts.registerToken != "" {
		return runCommand(opts)
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		util.LogError(i18n.T("config_load_error", nil), err, nil)
		return app.ExitError
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		util.LogError(i18n.T("config_load_error", nil), err, nil)
		return app.ExitError
	}
	defer closeLog()

	registry.InitTransports()

	if opts.writePid {
		path, err := daemon.WritePidFile(opts.pidFile)
		if err != nil {
			util.LogError(i18n.T("pid_file_error", nil), err, nil)
			return app.ExitError
		}
		defer func() {
			if err := daemon.RemovePidFile(path); err != nil {
				util.LogError(i18n.T("pid_file_remove_error", nil), err, map[string]any{"path": path})
			}
		}()
	}

	err = app.New(cfg, version).Run(context.Background())
	code := app.ExitCode(err)
	switch code {
	case app.ExitOK:
		util.Info(i18n.T("app_terminated", nil), nil)
	case app.ExitForced:
		util.LogError(i18n.T("app_forced_exit", nil), err, nil)
	default:
		util.LogError(i18n.T("app_error", nil), err, nil)
	}
	return code
}

func main() {
	os.Exit(run(os.Args[1:]))
}
