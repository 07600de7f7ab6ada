// Command throttler is a command-line client for a Throttler file server.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/markpippins/throttler/pkg/client"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	v      *viper.Viper
	log    *zap.Logger
	client *client.Client

	server    string
	tokenFile string
}

// newRootCmd builds a fresh command tree; flags live on the returned value
// so tests can run several commands in one process.
func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "throttler",
		Short: "Browse and manage files on a Throttler server",
		Long: `throttler talks to a Throttler file server over its HTTP API.

The server URL comes from --server or THROTTLER_SERVER. A token saved by
"throttler login" is used automatically; THROTTLER_TOKEN overrides it.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("server", "http://localhost:8080", "server base URL")
	pf.String("token-file", client.TokenFilePath(), "where login stores the access token")
	pf.Duration("timeout", 30*time.Second, "timeout for non-streaming requests")
	pf.BoolP("verbose", "v", false, "log HTTP requests to stderr")

	c.v.SetEnvPrefix("THROTTLER")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	_ = c.v.BindPFlags(pf)

	root.AddCommand(
		c.lsCmd(),
		c.treeCmd(),
		c.statCmd(),
		c.catCmd(),
		c.getCmd(),
		c.putCmd(),
		c.mkdirCmd(),
		c.touchCmd(),
		c.rmCmd(),
		c.mvCmd(),
		c.cpCmd(),
		c.renameCmd(),
		c.findCmd(),
		c.dfCmd(),
		c.trashCmd(),
		c.watchCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.hashPasswordCmd(),
	)
	return root
}

// setup builds the logger and API client from flags and environment.
func (c *cli) setup(cmd *cobra.Command, args []string) error {
	c.server = strings.TrimSuffix(c.v.GetString("server"), "/")
	c.tokenFile = c.v.GetString("token-file")

	c.log = zap.NewNop()
	if c.v.GetBool("verbose") {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		log, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		c.log = log
	}

	c.client = client.New(client.Config{
		BaseURL:   c.server,
		Timeout:   c.v.GetDuration("timeout"),
		AuthToken: c.token(),
		Logger:    c.log,
	})
	return nil
}

// token returns THROTTLER_TOKEN or a saved, unexpired token for this server.
func (c *cli) token() string {
	if t := c.v.GetString("token"); t != "" {
		return t
	}
	tf, err := client.LoadToken(c.tokenFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("ignoring unreadable token file", zap.String("path", c.tokenFile), zap.Error(err))
		}
		return ""
	}
	if tf.Server != c.server || tf.IsExpired(time.Minute) {
		return ""
	}
	return tf.Token
}

// remotePath normalizes a user-typed remote path.
func remotePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
