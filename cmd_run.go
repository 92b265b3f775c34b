package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"voicelink/audio"
	"voicelink/config"
	"voicelink/log"
	"voicelink/observe"
	"voicelink/session"
)

const secretEnv = "VOICELINK_SECRET"

type runFlags struct {
	endpoint string
	secret   string
	saved    string
	resume   bool
	headless bool
	wav      string
	realtime bool
}

// target is the endpoint/secret pair the client connects to at startup.
type target struct {
	endpoint string
	secret   string
	source   string
}

func (t target) valid() bool { return t.endpoint != "" && t.secret != "" }

func newRunCmd(flags *rootFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a transcription server and start the client",
		Long: `Connect to a transcription server and start the client.

The secret is taken from --secret, $VOICELINK_SECRET, a saved credential
(--saved) or the record of the last session (--resume). Without any of
these the client starts disconnected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runClient(cmd, flags, rf)
		},
	}
	f := cmd.Flags()
	f.StringVar(&rf.endpoint, "endpoint", "", "server URL (ws://, wss://, http:// or https://)")
	f.StringVar(&rf.secret, "secret", "", "connection secret (default $"+secretEnv+")")
	f.StringVar(&rf.saved, "saved", "", "connect with the saved credential with this id")
	f.BoolVar(&rf.resume, "resume", false, "reconnect to the session that was active when the client last exited")
	f.BoolVar(&rf.headless, "headless", false, "no TUI; read commands from stdin")
	f.StringVar(&rf.wav, "wav", "", "replay this 16 kHz mono WAV file instead of the microphone")
	f.BoolVar(&rf.realtime, "realtime", false, "pace --wav playback at the capture rate")
	return cmd
}

func runClient(cmd *cobra.Command, flags *rootFlags, rf *runFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}

	opts := appOptions{selectDevice: flags.setup, metrics: true}
	if rf.wav != "" {
		fake, err := audio.NewFakeContext(rf.wav, rf.realtime)
		if err != nil {
			return fmt.Errorf("loading WAV: %w", err)
		}
		opts.audio = fake
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.close()

	tgt, err := resolveTarget(ctx, a, rf)
	if err != nil {
		return err
	}

	uiCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(uiCtx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return observe.Serve(gctx, cfg.MetricsAddr) })
	}
	g.Go(func() error {
		defer cancel()
		if rf.headless {
			return runHeadless(gctx, a, cmd.InOrStdin(), cmd.OutOrStdout(), tgt)
		}
		return runTUI(gctx, a, tgt)
	})
	return g.Wait()
}

// resolveTarget picks the startup connection: --resume, then --saved, then
// --secret or the environment. An empty target means start disconnected.
func resolveTarget(ctx context.Context, a *app, rf *runFlags) (target, error) {
	if rf.resume {
		rec, ok, err := session.LoadResume(ctx, a.store)
		if err != nil {
			return target{}, err
		}
		if ok {
			return target{endpoint: rec.Endpoint, secret: rec.Secret, source: "resume"}, nil
		}
		log.Info("no session to resume")
	}

	if rf.saved != "" {
		c, ok := a.creds.Find(rf.saved)
		if !ok {
			return target{}, fmt.Errorf("no saved credential with id %q", rf.saved)
		}
		return target{endpoint: c.Endpoint, secret: c.Secret, source: "saved"}, nil
	}

	secret := rf.secret
	if secret == "" {
		secret = os.Getenv(secretEnv)
	}
	endpoint := rf.endpoint
	if endpoint == "" {
		endpoint = a.cfg.Endpoint
	}
	if secret == "" {
		return target{endpoint: endpoint}, nil
	}
	if endpoint == "" {
		return target{}, errors.New("a secret was given but no endpoint; set --endpoint or endpoint in the config file")
	}
	if err := config.ValidateEndpoint(endpoint); err != nil {
		return target{}, fmt.Errorf("endpoint: %w", err)
	}
	return target{endpoint: endpoint, secret: secret, source: "flags"}, nil
}
