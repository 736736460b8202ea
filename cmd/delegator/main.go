package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	levelds "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	homedir "github.com/mitchellh/go-homedir"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/chainkit/delegator/config"
	"github.com/chainkit/delegator/delegator"
	"github.com/chainkit/delegator/flipcode"
	"github.com/chainkit/delegator/host"
)

var log = logging.Logger("main")

const configFile = "config.toml"

var repoFlag = &cli.StringFlag{
	Name:    "repo",
	EnvVars: []string{"DELEGATOR_PATH"},
	Value:   "~/.delegator",
	Usage:   "repo directory holding the config and datastore",
}

func main() {
	logging.SetLogLevel("*", "INFO") //nolint:errcheck

	app := &cli.App{
		Name:  "delegator",
		Usage: "deploy and drive delegator programs on a local host environment",
		Flags: []cli.Flag{
			repoFlag,
		},
		Commands: []*cli.Command{
			initCmd,
			deployCmd,
			flipCmd,
			getCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "initialize a repo with a default config",
	Action: func(cctx *cli.Context) error {
		dir, err := repoDir(cctx)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return xerrors.Errorf("creating repo dir: %w", err)
		}

		path := filepath.Join(dir, configFile)
		if _, err := os.Stat(path); err == nil {
			return xerrors.Errorf("repo already initialized at %s", dir)
		}

		cfg := config.DefaultConfig()
		cfg.Repo.Path = dir
		if err := config.WriteFile(path, cfg); err != nil {
			return err
		}

		fmt.Printf("initialized repo at %s\n", dir)
		return nil
	},
}

var deployCmd = &cli.Command{
	Name:  "deploy",
	Usage: "create a new delegator program instance",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "init-value",
			Usage: "initial value of the program's boolean",
		},
	},
	Action: func(cctx *cli.Context) error {
		e, closer, err := openEnv(cctx)
		if err != nil {
			return err
		}
		defer closer()

		id, err := e.h.CreateProgram(cctx.Context, e.delegatorCode,
			delegator.Constructor(cctx.Bool("init-value"), e.flipCode))
		if err != nil {
			return xerrors.Errorf("deploying delegator: %w", err)
		}

		fmt.Println(id)
		return nil
	},
}

var flipCmd = &cli.Command{
	Name:      "flip",
	Usage:     "issue a delegate flip against a program",
	ArgsUsage: "<program-id>",
	Action: func(cctx *cli.Context) error {
		id, err := argProgramID(cctx)
		if err != nil {
			return err
		}

		e, closer, err := openEnv(cctx)
		if err != nil {
			return err
		}
		defer closer()

		if _, err := e.h.Call(cctx.Context, id, delegator.MethodCallDelegateFlip, nil); err != nil {
			return xerrors.Errorf("calling %s: %w", delegator.MethodCallDelegateFlip, err)
		}
		return nil
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "read a program's current value",
	ArgsUsage: "<program-id>",
	Action: func(cctx *cli.Context) error {
		id, err := argProgramID(cctx)
		if err != nil {
			return err
		}

		e, closer, err := openEnv(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ret, err := e.h.Call(cctx.Context, id, delegator.MethodGet, nil)
		if err != nil {
			return xerrors.Errorf("calling %s: %w", delegator.MethodGet, err)
		}

		v, err := delegator.DecodeBool(ret)
		if err != nil {
			return err
		}

		fmt.Println(v)
		return nil
	},
}

type env struct {
	h             *host.Host
	delegatorCode cid.Cid
	flipCode      cid.Cid
}

func argProgramID(cctx *cli.Context) (host.ProgramID, error) {
	if cctx.NArg() != 1 {
		return host.ProgramID{}, xerrors.Errorf("expected a single program id argument")
	}
	return host.ParseProgramID(cctx.Args().First())
}

func repoDir(cctx *cli.Context) (string, error) {
	dir, err := homedir.Expand(cctx.String("repo"))
	if err != nil {
		return "", xerrors.Errorf("expanding repo path: %w", err)
	}
	return dir, nil
}

// openEnv loads the repo config, opens the datastore and installs the native
// code units. Code installation is content addressed, so reinstalling on
// every start yields stable references.
func openEnv(cctx *cli.Context) (*env, func(), error) {
	dir, err := repoDir(cctx)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.FromFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, nil, xerrors.Errorf("loading config (did you run init?): %w", err)
	}

	deriver, err := cfg.Deriver()
	if err != nil {
		return nil, nil, err
	}

	ds, err := levelds.NewDatastore(filepath.Join(dir, "datastore"), &levelds.Options{
		Compression: ldbopts.NoCompression,
		NoSync:      false,
		Strict:      ldbopts.StrictAll,
		ReadOnly:    false,
	})
	if err != nil {
		return nil, nil, xerrors.Errorf("opening datastore: %w", err)
	}
	closer := func() {
		if err := ds.Close(); err != nil {
			log.Warnf("closing datastore: %s", err)
		}
	}

	h := host.New(ds, host.WithDeriver(deriver))

	flipCode, err := h.InstallCode(cctx.Context, flipcode.Source, flipcode.Actor{})
	if err != nil {
		closer()
		return nil, nil, xerrors.Errorf("installing flip code: %w", err)
	}

	delegatorCode, err := h.InstallCode(cctx.Context, delegator.Source, delegator.Actor{})
	if err != nil {
		closer()
		return nil, nil, xerrors.Errorf("installing delegator code: %w", err)
	}

	return &env{
		h:             h,
		delegatorCode: delegatorCode,
		flipCode:      flipCode,
	}, closer, nil
}
