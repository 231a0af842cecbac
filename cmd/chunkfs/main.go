package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"chunkfs/internal/app"
	"chunkfs/internal/config"
	"chunkfs/internal/database"
	"chunkfs/internal/encryption"
	"chunkfs/internal/vfs"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// readConfig loads the config file named by the environment.
func readConfig() (*config.Config, error) {
	env, err := app.LoadEnvironment(os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	cfg, err := config.ReadFromFile(env.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// command identifies the CLI command being run (e.g. "put", "mv").
func newApp(ctx context.Context, command string) (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, command)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// userFunc runs against the filesystem of the user named by --user.
type userFunc func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error

// withUser wraps fn with app setup, user lookup and failure recording.
func withUser(command string, fn userFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		username, _ := cmd.Flags().GetString("user")
		if username == "" {
			return fmt.Errorf("--user is required")
		}

		a, err := newApp(ctx, command)
		if err != nil {
			return err
		}
		defer a.Close()

		userID, err := a.UserID(ctx, username)
		if err == nil {
			err = fn(ctx, cmd, a, userID, args)
		}
		if err != nil {
			a.Fail(err)
		}
		return err
	}
}

func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:          "chunkfs",
	Short:        "Multi-user chunked virtual filesystem",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := app.LoadEnvironment(os.Getenv)
		if err != nil {
			return fmt.Errorf("reading environment: %w", err)
		}

		cfg := config.NewConfig(env.BaseDir)
		if err := config.Init(env.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", env.ConfigPath)
		fmt.Printf("Base Dir: %s\n", env.BaseDir)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		m := &config.Manager{}
		return m.Write(os.Stdout, cfg)
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage chunk encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the age key pair used to seal chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Chunks)
		if err != nil {
			return err
		}
		if enc == nil {
			return fmt.Errorf("encryption is disabled in the config")
		}

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := enc.Setup(pass); err != nil {
			return fmt.Errorf("setting up keys: %w", err)
		}
		fmt.Printf("Keys written to %s and %s\n", cfg.Chunks.PublicKeyPath, cfg.Chunks.PrivateKeyPath)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the metadata database",
}

func openDatabase(ctx context.Context) (*database.Store, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	return database.OpenFromConfig(ctx, cfg.Database)
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(); err != nil {
			return err
		}
		v, _, err := store.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Schema at version %d\n", v)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		v, dirty, err := store.SchemaVersion()
		if err != nil {
			return err
		}
		latest, err := store.LatestSchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("dialect:  %s\n", store.Dialect())
		fmt.Printf("version:  %d\n", v)
		fmt.Printf("latest:   %d\n", latest)
		if dirty {
			fmt.Println("state:    dirty")
		} else if v < latest {
			fmt.Println("state:    behind")
		} else {
			fmt.Println("state:    current")
		}
		return nil
	},
}

// user command
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "user add")
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := a.AddUser(cmd.Context(), args[0])
		if err != nil {
			a.Fail(err)
			return err
		}
		fmt.Printf("User %s created with id %d\n", u.Username, u.ID)
		return nil
	},
}

var userIDCmd = &cobra.Command{
	Use:   "id NAME",
	Short: "Print a user's id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "user id")
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.UserID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

// filesystem commands
var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: withUser("ls", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		target := "/"
		if len(args) > 0 {
			target = args[0]
		}
		entries, err := a.Service().ListDir(ctx, userID, target)
		if err != nil {
			return err
		}
		for _, e := range entries {
			kind := "-"
			if e.Type == vfs.Dir {
				kind = "d"
			}
			fmt.Printf("%s  %s  %s\n", kind, e.Mtime.Format("2006-01-02 15:04:05"), e.Name)
		}
		return nil
	}),
}

var statCmd = &cobra.Command{
	Use:   "stat PATH",
	Short: "Show a node's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: withUser("stat", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		n, err := a.Service().Stat(ctx, userID, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("id:     %d\n", n.ID)
		fmt.Printf("type:   %s\n", n.Type)
		if n.Type == vfs.File {
			fmt.Printf("size:   %d\n", n.Size)
			fmt.Printf("ready:  %t\n", n.Ready)
		}
		fmt.Printf("mtime:  %s\n", n.Mtime.Format(time.RFC3339))
		fmt.Printf("ctime:  %s\n", n.Ctime.Format(time.RFC3339))
		fmt.Printf("crtime: %s\n", n.Crtime.Format(time.RFC3339))
		return nil
	}),
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH",
	Short: "Create a directory and any missing parents",
	Args:  cobra.ExactArgs(1),
	RunE: withUser("mkdir", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		_, err := a.Service().Mkdir(ctx, userID, args[0])
		return err
	}),
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir PATH",
	Short: "Remove an empty directory",
	Args:  cobra.ExactArgs(1),
	RunE: withUser("rmdir", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		return a.Service().Rmdir(ctx, userID, args[0])
	}),
}

var touchCmd = &cobra.Command{
	Use:   "touch PATH",
	Short: "Create an empty file",
	Args:  cobra.ExactArgs(1),
	RunE: withUser("touch", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		_, err := a.Service().Create(ctx, userID, args[0])
		return err
	}),
}

var rmCmd = &cobra.Command{
	Use:   "rm PATH",
	Short: "Remove a file and delete its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: withUser("rm", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		return a.Service().Unlink(ctx, userID, args[0])
	}),
}

var mvCmd = &cobra.Command{
	Use:   "mv FROM TO",
	Short: "Rename or move a node",
	Args:  cobra.ExactArgs(2),
	RunE: withUser("mv", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		return a.Mv(ctx, userID, args[0], args[1])
	}),
}

var swapCmd = &cobra.Command{
	Use:   "swap A B",
	Short: "Exchange the positions of two nodes",
	Args:  cobra.ExactArgs(2),
	RunE: withUser("swap", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		return a.Service().Swap(ctx, userID, args[0], args[1])
	}),
}

var truncateCmd = &cobra.Command{
	Use:   "truncate PATH SIZE",
	Short: "Drop a file's contents and set its size",
	Args:  cobra.ExactArgs(2),
	RunE: withUser("truncate", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		size, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", args[1], err)
		}
		return a.Service().Truncate(ctx, userID, args[0], size)
	}),
}

var settimeCmd = &cobra.Command{
	Use:   "settime PATH TIME",
	Short: "Set a file's modify time (RFC 3339 or unix seconds)",
	Args:  cobra.ExactArgs(2),
	RunE: withUser("settime", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		mtime, err := parseTime(args[1])
		if err != nil {
			return err
		}
		return a.Service().SetModifyTime(ctx, userID, args[0], mtime)
	}),
}

func parseTime(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or unix seconds", s)
	}
	return t, nil
}

var putCmd = &cobra.Command{
	Use:   "put LOCAL REMOTE",
	Short: "Upload a local file",
	Args:  cobra.ExactArgs(2),
	RunE: withUser("put", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		chunkSize, _ := cmd.Flags().GetInt("chunk-size")

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", args[0])
		}

		if err := a.Upload(ctx, userID, args[1], f, info.Size(), chunkSize, info.ModTime()); err != nil {
			return err
		}
		fmt.Printf("Uploaded %d bytes to %s\n", info.Size(), args[1])
		return nil
	}),
}

var getCmd = &cobra.Command{
	Use:   "get REMOTE LOCAL",
	Short: "Download a file",
	Args:  cobra.ExactArgs(2),
	RunE: withUser("get", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		if a.NeedsUnlock() {
			pass, err := readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
			if err := a.Unlock(pass); err != nil {
				return err
			}
		}

		tmp := args[1] + ".partial"
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		n, err := a.Download(ctx, userID, args[0], f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, args[1]); err != nil {
			return err
		}
		fmt.Printf("Downloaded %d bytes to %s\n", n, args[1])
		return nil
	}),
}

var waitCmd = &cobra.Command{
	Use:   "wait PATH",
	Short: "Block until a file's upload completes",
	Args:  cobra.ExactArgs(1),
	RunE: withUser("wait", func(ctx context.Context, cmd *cobra.Command, a *app.App, userID int64, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		err := a.Service().WaitReady(ctx, userID, args[0], timeout)
		if errors.Is(err, vfs.ErrUploadTimeout) {
			return fmt.Errorf("%s is still uploading: %w", args[0], err)
		}
		return err
	}),
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// db subcommands
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)

	// user subcommands
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userIDCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(userCmd)

	// Path errors resurface in readConfig; the flag default only needs User.
	env, _ := app.LoadEnvironment(os.Getenv)
	for _, c := range []*cobra.Command{
		lsCmd, statCmd, mkdirCmd, rmdirCmd, touchCmd, rmCmd, mvCmd,
		swapCmd, truncateCmd, settimeCmd, putCmd, getCmd, waitCmd,
	} {
		c.Flags().StringP("user", "u", env.User, "User whose filesystem to operate on")
		rootCmd.AddCommand(c)
	}
	putCmd.Flags().Int("chunk-size", app.DefaultChunkSize, "Chunk size in bytes")
	waitCmd.Flags().Duration("timeout", 0, "Maximum wait (0 uses the configured wait_timeout)")
}
