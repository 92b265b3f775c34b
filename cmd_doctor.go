package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"voicelink/audio"
	"voicelink/doctor"
	"voicelink/session"
)

func newDoctorCmd(flags *rootFlags) *cobra.Command {
	rf := &runFlags{}
	var recordFor time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the microphone, secure store and server handshake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			opts := doctor.Options{
				Out:       cmd.OutOrStdout(),
				RecordFor: recordFor,
				Dialer:    session.WebsocketDialer{},
				Timeout:   cfg.DialTimeout,
			}

			if rf.wav != "" {
				fake, err := audio.NewFakeContext(rf.wav, false)
				if err != nil {
					return fmt.Errorf("loading WAV: %w", err)
				}
				opts.Audio = fake
			} else if actx, err := audio.NewContext(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "audio backend unavailable: %v\n", err)
			} else {
				defer actx.Close()
				opts.Audio = actx
				if flags.setup {
					opts.Device, _ = audio.SelectDevice(actx)
				} else if opts.Device, err = audio.FindDevice(actx, cfg.Audio.Device); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%v, using system default\n", err)
				}
			}

			store, creds, err := openCreds(cmd.Context(), flags)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "secure store unavailable: %v\n", err)
			} else {
				defer store.Close()
				opts.Store = store
				if rf.saved != "" {
					if c, ok := creds.Find(rf.saved); ok {
						opts.Endpoint, opts.Secret = c.Endpoint, c.Secret
					}
				}
			}

			if opts.Secret == "" {
				opts.Secret = rf.secret
				if opts.Secret == "" {
					opts.Secret = os.Getenv(secretEnv)
				}
				opts.Endpoint = rf.endpoint
				if opts.Endpoint == "" {
					opts.Endpoint = cfg.Endpoint
				}
			}

			if code := doctor.Run(cmd.Context(), opts); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&rf.endpoint, "endpoint", "", "server URL for the handshake check")
	f.StringVar(&rf.secret, "secret", "", "secret for the handshake check (default $"+secretEnv+")")
	f.StringVar(&rf.saved, "saved", "", "use the saved credential with this id for the handshake check")
	f.StringVar(&rf.wav, "wav", "", "replay this WAV file instead of the microphone")
	f.DurationVar(&recordFor, "record", 2*time.Second, "how long to record in the microphone check")
	return cmd
}
