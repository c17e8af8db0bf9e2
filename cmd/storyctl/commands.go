package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"storyline-server/internal/models"
	"storyline-server/internal/protocol"
	"storyline-server/internal/wsclient"
)

// cli держит общие для всех команд параметры.
type cli struct {
	cfg    *clientConfig
	out    io.Writer
	logger zerolog.Logger
}

func newRootCmd(cfg *clientConfig, out io.Writer) *cobra.Command {
	c := &cli{cfg: cfg, out: out}

	root := &cobra.Command{
		Use:          "storyctl",
		Short:        "Command line client for the storyline server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.logger = newLogger(c.cfg.Debug)
			if c.cfg.Token == "" {
				return errors.New("access token is required: set --token or STORYCTL_TOKEN")
			}
			if c.cfg.UserID <= 0 {
				return errors.New("user id is required: set --user or STORYCTL_USER_ID")
			}
			return nil
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.URL, "url", cfg.URL, "WebSocket endpoint of the server")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "access token")
	flags.Int64Var(&cfg.UserID, "user", cfg.UserID, "user id the token was issued for")
	flags.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "reconnect attempts before giving up")
	flags.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "time to wait for the connection")
	flags.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "time to wait for a response")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "verbose logging")

	root.AddCommand(
		c.fetchCmd(),
		c.createCmd(),
		c.retrieveCmd(),
		c.editCmd(),
		c.generateCmd(),
	)
	return root
}

func (c *cli) fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "List your storylines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := c.send(cmd.Context(), protocol.NewFetch(c.cfg.UserID))
			if err != nil {
				return err
			}
			return c.print(resp.Storylines)
		},
	}
}

func (c *cli) createCmd() *cobra.Command {
	var (
		title string
		steps int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a storyline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			intent := models.CreateStorylineIntent{Title: title, UserID: c.cfg.UserID}
			if cmd.Flags().Changed("steps") {
				intent.TotalSteps = &steps
			}
			resp, err := c.send(cmd.Context(), protocol.NewCreate(intent))
			if err != nil {
				return err
			}
			return c.print(resp.Storyline)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "storyline title")
	cmd.Flags().IntVar(&steps, "steps", 0, "total number of steps")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (c *cli) retrieveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve <id>",
		Short: "Show one storyline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			resp, err := c.send(cmd.Context(), protocol.NewRetrieve(c.cfg.UserID, id))
			if err != nil {
				return err
			}
			return c.print(resp.Storyline)
		},
	}
}

func (c *cli) editCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Replace a storyline with the JSON document from --file",
		Long:  "Reads a full storyline JSON document (as printed by retrieve) and sends it as an edit. Use --file - for stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := readStoryline(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if st.UserID == 0 {
				st.UserID = c.cfg.UserID
			}
			resp, err := c.send(cmd.Context(), protocol.NewEdit(*st))
			if err != nil {
				return err
			}
			return c.print(resp.Storyline)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "path to the storyline JSON, - for stdin")
	return cmd
}

func (c *cli) generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <id>",
		Short: "Ask the model for the next step of a storyline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			resp, err := c.send(cmd.Context(), protocol.NewGenerate(c.cfg.UserID, id))
			if err != nil {
				return err
			}
			return c.print(resp.Continuation)
		},
	}
}

// send открывает соединение, ждет его и выполняет один запрос.
func (c *cli) send(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	m := wsclient.New(wsclient.Config{
		URL:               c.cfg.URL,
		Token:             c.cfg.Token,
		ReconnectInterval: c.cfg.ReconnectInterval,
		MaxRetries:        c.cfg.MaxRetries,
		Backoff:           c.cfg.Backoff,
		RequestTimeout:    c.cfg.RequestTimeout,
	}, wsclient.WithLogger(c.logger))
	defer m.Close()

	if err := m.Connect(); err != nil {
		return nil, err
	}
	if err := m.WaitForConnection(ctx, c.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
	}

	resp, err := m.SendMessage(ctx, req)
	if err != nil {
		var respErr *wsclient.ResponseError
		if errors.As(err, &respErr) {
			c.logger.Debug().Str("code", string(respErr.Code)).Str("requestId", respErr.RequestID).Msg("Server rejected the request")
		}
		return nil, err
	}
	c.logger.Debug().Str("requestId", resp.RequestID).Msg("Response received")
	return resp, nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("storyline id must be a positive integer, got %q", raw)
	}
	return id, nil
}

func readStoryline(path string, stdin io.Reader) (*models.Storyline, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	var st models.Storyline
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode storyline JSON: %w", err)
	}
	if st.ID <= 0 {
		return nil, errors.New("storyline JSON must contain a positive id")
	}
	return &st, nil
}
