// Command rtspcamd runs the embedded RTSP/RTP media server: an RTSP
// control plane, an RTP fan-out pipeline, a diagnostic HTTP endpoint,
// and an admin console, wired together as an oklog/run.Group the way
// the teacher's mediaserver package wires its own actors.
package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/oklog/run"

	"github.com/brightwing/rtspcam/diag"
	"github.com/brightwing/rtspcam/rtp"
	"github.com/brightwing/rtspcam/rtsp"
	"github.com/brightwing/rtspcam/server"
)

func setupLogging() (*os.File, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(filepath.Dir(exePath), "rtspcam.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	log.SetOutput(logFile)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	return logFile, nil
}

func main() {
	logFile, err := setupLogging()
	if err != nil {
		panic(err)
	}
	defer logFile.Close()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using process environment")
	}

	cfg := loadConfig()

	log.Println("starting rtspcam server")

	registry := rtsp.NewRegistry(cfg.maxClients, cfg.multicastClients)
	mux := rtp.NewTransportMux(cfg.multicastGroup, cfg.multicastTTL, cfg.multicastBasePort)
	packetizer := rtp.NewPacketizer()

	engine := rtsp.NewEngine(rtsp.Config{
		ListenAddr:        cfg.rtspListenAddr,
		ServerIP:          cfg.serverIP,
		MulticastGroup:    cfg.multicastGroup,
		MulticastTTL:      cfg.multicastTTL,
		MulticastBasePort: cfg.multicastBasePort,
		MaxClients:        cfg.maxClients,
		MulticastClients:  cfg.multicastClients,
		SampleRateHz:      cfg.sampleRateHz,
		EnableVideo:       cfg.enableVideo,
		EnableAudio:       cfg.enableAudio,
		EnableSubtitles:   cfg.enableSubtitles,
	}, registry, mux)

	fanout := server.New(server.Config{
		EnableVideo:     cfg.enableVideo,
		EnableAudio:     cfg.enableAudio,
		EnableSubtitles: cfg.enableSubtitles,
		UseVideoWorker:  cfg.useVideoWorker,
	}, registry, packetizer, mux)

	diagServer := diag.NewServer(registry, fanout.FPS)
	console := NewConsole(registry, fanout)

	var rg run.Group

	signalTrap := make(chan os.Signal, 1)
	signal.Notify(signalTrap, syscall.SIGINT, syscall.SIGTERM)
	rg.Add(
		func() error {
			if sig, ok := <-signalTrap; ok {
				log.Printf("rtspcam rungroup interrupt due to: %v", sig)
				return errors.New(sig.String() + " signal")
			}
			return nil
		},
		func(error) {
			signal.Stop(signalTrap)
			close(signalTrap)
		},
	)

	rg.Add(engine.ListenAndServe, engine.Interrupt)
	rg.Add(func() error { return diagServer.ListenAndServe(cfg.diagListenAddr) }, diagServer.Interrupt)
	rg.Add(fanout.Run, fanout.Interrupt)
	rg.Add(console.Run, console.Interrupt)

	log.Println("rtspcam server group running")
	err = rg.Run()
	log.Printf("rtspcam server group exited: %v\n", err)
}
