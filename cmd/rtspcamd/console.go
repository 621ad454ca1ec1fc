package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/urfave/cli/v3"

	"github.com/brightwing/rtspcam/rtsp"
	"github.com/brightwing/rtspcam/server"
)

type errReadCancelled struct {
	cause error
}

func (e errReadCancelled) Error() string { return "read cancelled" }
func (e errReadCancelled) Unwrap() error { return e.cause }

var errExitConsole = errors.New("console exit")

// CancelableReader lets the console's blocking stdin read be interrupted
// by the run group, kept verbatim from the teacher's CLI pattern.
type CancelableReader struct {
	cancel <-chan error
	data   chan []byte
	err    error
	r      io.Reader
}

func (c *CancelableReader) begin() {
	buf := make([]byte, 1024)
	for {
		n, err := c.r.Read(buf)
		if n > 0 {
			tmp := make([]byte, n)
			copy(tmp, buf[:n])
			c.data <- tmp
		}
		if err != nil {
			c.err = err
			close(c.data)
			return
		}
	}
}

func (c *CancelableReader) Read(p []byte) (int, error) {
	select {
	case err := <-c.cancel:
		return 0, errReadCancelled{cause: err}
	case d, ok := <-c.data:
		if !ok {
			return 0, c.err
		}
		copy(p, d)
		return len(d), nil
	}
}

func NewCancelableReader(cancel <-chan error, r io.Reader) *CancelableReader {
	c := &CancelableReader{
		cancel: cancel,
		r:      r,
		data:   make(chan []byte),
	}
	go c.begin()
	return c
}

// Console is the admin REPL: "stats" prints active_clients/is_playing/
// rtp_fps, "exit" shuts the server down. Grounded on the teacher's
// mediaserver/cli.go, with the ffmpeg-backed "media add" command
// removed (transcoding is out of scope here).
type Console struct {
	registry      *rtsp.Registry
	fanout        *server.Server
	reader        *CancelableReader
	cancelReader  chan<- error
	interruptOnce sync.Once
}

func NewConsole(registry *rtsp.Registry, fanout *server.Server) *Console {
	c := make(chan error, 1)

	return &Console{
		registry:     registry,
		fanout:       fanout,
		reader:       NewCancelableReader(c, os.Stdin),
		cancelReader: c,
	}
}

func (c *Console) commandStats(context.Context, *cli.Command) error {
	fmt.Printf("active_clients=%d is_playing=%v rtp_fps=%d\n",
		c.registry.ActiveClients(), c.registry.IsPlaying(), c.fanout.FPS())
	return nil
}

func (c *Console) Run() error {
	log.Println("console: running admin console")
	defer log.Println("console: stopped")

	cli.OsExiter = func(int) {}

	cmd := &cli.Command{
		Commands: []*cli.Command{
			{
				Name:   "stats",
				Usage:  "print active_clients, is_playing, and rtp_fps",
				Action: c.commandStats,
			},
			{
				Name: "exit",
				Action: func(context.Context, *cli.Command) error {
					c.Interrupt(errExitConsole)
					return nil
				},
			},
		},
	}

	reader := bufio.NewReader(c.reader)
	for {
		fmt.Print("rtspcam> ")

		input, err := reader.ReadString('\n')
		if err != nil {
			var cancelled errReadCancelled
			if errors.As(err, &cancelled) {
				return errors.Unwrap(err)
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		args := append([]string{"rtspcam"}, strings.Fields(input)...)
		if err := cmd.Run(context.Background(), args); err != nil {
			log.Println(err)
		}
	}
}

func (c *Console) Interrupt(cause error) {
	c.interruptOnce.Do(func() {
		log.Printf("console: stopping: %v\n", cause)
		c.cancelReader <- cause
	})
}
