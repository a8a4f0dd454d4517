// Package main is a diagnostic voxloop client: it connects to a
// server, speaks a WAV file, and renders the session's events as they
// arrive.
//
// Usage:
//
//	voxloop-monitor --url ws://localhost:8000/voxloop/v1/ --wav hello.wav
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/voxloop/voxloop/pkg/audio/pcm"
	"github.com/voxloop/voxloop/pkg/cli"
	"github.com/voxloop/voxloop/pkg/wire"
)

var (
	serverURL string
	wavPath   string
	sessionID string
	waitFor   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "voxloop-monitor",
		Short: "Speak a WAV at a voxloop server and watch the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringVar(&serverURL, "url", "ws://localhost:8000/voxloop/v1/", "server websocket URL")
	root.Flags().StringVar(&wavPath, "wav", "", "16-bit mono WAV file to speak (required)")
	root.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	root.Flags().DurationVar(&waitFor, "wait", 30*time.Second, "how long to wait for the response")
	root.MarkFlagRequired("wav")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rate, audio, err := readWAV(wavPath)
	if err != nil {
		return err
	}
	format, ok := pcm.FromRate(rate)
	if !ok {
		return fmt.Errorf("unsupported wav sample rate %d", rate)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverURL, err)
	}
	conn := wire.NewConn(ws)
	defer conn.Close()

	err = conn.SendControl(&wire.ControlMessage{
		Type:      wire.TypeHello,
		Version:   1,
		SessionID: sessionID,
		AudioParams: &wire.AudioParams{
			Format:        "pcm",
			SampleRate:    rate,
			Channels:      1,
			FrameDuration: 60,
		},
	})
	if err != nil {
		return err
	}

	feed := cli.NewFeed(cli.DefaultTheme)
	hello, err := awaitHello(ctx, conn)
	if err != nil {
		return err
	}
	fmt.Println(feed.Banner(serverURL, hello.SessionID, hello.ServerVer))

	done := make(chan error, 1)
	go func() { done <- render(ctx, conn, feed, format) }()

	if err := speak(ctx, conn, format, audio); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		return errors.New("timed out waiting for the response")
	case <-ctx.Done():
		return nil
	}
}

func awaitHello(ctx context.Context, conn *wire.Conn) (*wire.ControlMessage, error) {
	select {
	case inb, ok := <-conn.Inbound():
		if !ok {
			return nil, fmt.Errorf("connection closed during handshake: %w", conn.Err())
		}
		if inb.Control == nil || inb.Control.Type != wire.TypeHello {
			return nil, errors.New("server did not reply with hello")
		}
		return inb.Control, nil
	case <-time.After(10 * time.Second):
		return nil, errors.New("hello timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// speak streams the WAV as paced 60 ms frames between explicit listen
// boundaries, the way a push-to-talk client does.
func speak(ctx context.Context, conn *wire.Conn, format pcm.Format, audio []byte) error {
	err := conn.SendControl(&wire.ControlMessage{
		Type:  wire.TypeListen,
		State: wire.ListenStart,
		Mode:  wire.ModeManual,
	})
	if err != nil {
		return err
	}

	frameBytes := format.BytesIn(60 * time.Millisecond)
	tick := time.NewTicker(60 * time.Millisecond)
	defer tick.Stop()
	var seq uint32
	for off := 0; off < len(audio); off += frameBytes {
		end := min(off+frameBytes, len(audio))
		payload := make([]byte, frameBytes)
		copy(payload, audio[off:end])
		err := conn.SendFrame(&wire.BinaryFrame{
			Kind:    wire.KindAudio,
			Tag:     wire.TagNormal,
			Seq:     seq,
			Payload: payload,
		})
		if err != nil {
			return err
		}
		seq++
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return conn.SendControl(&wire.ControlMessage{
		Type:  wire.TypeListen,
		State: wire.ListenStop,
	})
}

// render prints session events until the response finishes.
func render(ctx context.Context, conn *wire.Conn, feed *cli.Feed, format pcm.Format) error {
	var frames, bytes int
	var gotTranscript bool
	for {
		select {
		case inb, ok := <-conn.Inbound():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return nil
			}
			switch {
			case inb.Frame != nil:
				frames++
				bytes += len(inb.Frame.Payload)
				if inb.Frame.Tag == wire.TagLast {
					fmt.Println(feed.Audio(frames, format.Duration(bytes)))
				}
			case inb.Control != nil:
				msg := inb.Control
				switch msg.Type {
				case wire.TypeSTT:
					gotTranscript = true
					fmt.Println(feed.Transcript(msg.Text))
				case wire.TypeTTS:
					switch msg.State {
					case wire.TTSSentenceStart, wire.TTSSentenceEnd:
						fmt.Println(feed.Sentence(msg.State, msg.Text))
					default:
						fmt.Println(feed.State(msg.Type, msg.State))
						if msg.State == wire.TTSStop && gotTranscript {
							return nil
						}
					}
				default:
					fmt.Println(feed.State(msg.Type, msg.State))
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// readWAV loads a 16-bit mono PCM WAV file.
func readWAV(path string) (rate int, data []byte, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return 0, nil, fmt.Errorf("%s: not a WAV file", path)
	}
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if body+size > len(b) {
			return 0, nil, fmt.Errorf("%s: truncated %q chunk", path, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return 0, nil, fmt.Errorf("%s: short fmt chunk", path)
			}
			audioFormat := binary.LittleEndian.Uint16(b[body:])
			channels := binary.LittleEndian.Uint16(b[body+2:])
			rate = int(binary.LittleEndian.Uint32(b[body+4:]))
			bits := binary.LittleEndian.Uint16(b[body+14:])
			if audioFormat != 1 || channels != 1 || bits != 16 {
				return 0, nil, fmt.Errorf("%s: need 16-bit mono PCM, got format=%d channels=%d bits=%d",
					path, audioFormat, channels, bits)
			}
		case "data":
			data = b[body : body+size]
		}
		off = body + size + size%2
	}
	if rate == 0 || data == nil {
		return 0, nil, fmt.Errorf("%s: missing fmt or data chunk", path)
	}
	return rate, data, nil
}
