/*
Copyright © 2021 Tim Drysdale <timothy.d.drysdale@gmail.com>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package cmd

import (
	"bytes"
	"context"
	"image/jpeg"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/practable/session-client/internal/framequeue"
	"github.com/practable/session-client/internal/identity"
	"github.com/practable/session-client/internal/session"
	"github.com/practable/session-client/internal/status"
)

// Options are loaded from environment variables SESSION_<var>
type Options struct {
	URL         string  `required:"true"`
	Port        int     `default:"8889"`
	LogLevel    string  `split_words:"true" default:"INFO"`
	HeartbeatMs int     `split_words:"true" default:"10000"`
	QueueLength int     `split_words:"true" default:"3"`
	FrameFile   string  `split_words:"true"`
	IDFile      string  `split_words:"true"`
	NoticeURL   string  `split_words:"true"`
	RetryMinMs  int     `split_words:"true" default:"1000"`
	RetryMaxMs  int     `split_words:"true" default:"30000"`
	RetryFactor float64 `split_words:"true" default:"1.5"`
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a session relay and stay connected",
	Long: `Connects to the session relay, decoding video frames and serving
the local status API until interrupted. There are sensible defaults for all
parameters except the relay URL, and these can be overridden with
environment variables. The default values are as follows:

export SESSION_URL=            # required, e.g. wss://relay.example.org/session/cam0
export SESSION_PORT=8889       # local status API
export SESSION_LOGLEVEL=INFO
export SESSION_HEARTBEAT_MS=10000
export SESSION_QUEUE_LENGTH=3
export SESSION_FRAME_FILE=     # write the latest decoded frame here
export SESSION_ID_FILE=        # persist the session identifier here
export SESSION_NOTICE_URL=     # out-of-band disconnect endpoint
export SESSION_RETRY_MIN_MS=1000
export SESSION_RETRY_MAX_MS=30000
export SESSION_RETRY_FACTOR=1.5
`,
	Run: func(cmd *cobra.Command, args []string) {

		var opts Options

		if err := envconfig.Process("session", &opts); err != nil {
			log.Fatal("Configuration Failed ", err.Error())
		}

		log.SetLevel(sanitiseLevel(opts.LogLevel))
		log.WithField("opts", opts).Info("Specification")

		var id string
		if opts.IDFile != "" {
			id = identity.Load(opts.IDFile)
		}

		client := session.New(session.Config{
			Decoder: frameSink(opts.FrameFile),
			Retry: session.RetryConfig{
				Factor: opts.RetryFactor,
				Min:    time.Duration(opts.RetryMinMs) * time.Millisecond,
				Max:    time.Duration(opts.RetryMaxMs) * time.Millisecond,
			},
			HeartbeatInterval: time.Duration(opts.HeartbeatMs) * time.Millisecond,
			QueueCapacity:     opts.QueueLength,
			ID:                id,
			NoticeURL:         opts.NoticeURL,
		})

		closed := make(chan struct{})
		done := make(chan struct{})

		go func() {
			status.New(client, opts.Port).Run(closed)
			close(done)
		}()

		client.Start(opts.URL)

		// trap SIGINT and SIGTERM for a clean exit with disconnect notice
		channelSignal := make(chan os.Signal, 1)
		signal.Notify(channelSignal, os.Interrupt, syscall.SIGTERM)
		<-channelSignal

		client.Stop()
		close(closed)
		<-done
	},
}

// frameSink returns a decoder that validates each frame as JPEG and, if
// name is non-empty, atomically replaces the file at name with the latest
// frame, so a UI can poll one stable path.
func frameSink(name string) framequeue.Decoder {
	return framequeue.DecoderFunc(func(ctx context.Context, frame []byte) error {

		if _, err := jpeg.DecodeConfig(bytes.NewReader(frame)); err != nil {
			return err
		}

		if name == "" {
			return nil
		}

		tmp := filepath.Join(filepath.Dir(name), "."+filepath.Base(name)+".tmp")
		if err := os.WriteFile(tmp, frame, 0644); err != nil {
			return err
		}
		return os.Rename(tmp, name)
	})
}

func init() {
	rootCmd.AddCommand(runCmd)
}
