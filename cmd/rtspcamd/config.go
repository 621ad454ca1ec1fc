package main

import (
	"os"
	"strconv"
)

type runtimeConfig struct {
	rtspListenAddr string
	diagListenAddr string
	serverIP       string

	multicastGroup    string
	multicastTTL      int
	multicastBasePort int

	maxClients       int
	multicastClients int

	sampleRateHz int

	enableVideo     bool
	enableAudio     bool
	enableSubtitles bool
	useVideoWorker  bool
}

func loadConfig() runtimeConfig {
	return runtimeConfig{
		rtspListenAddr:    getEnv("RTSPCAM_RTSP_ADDR", ":554"),
		diagListenAddr:    getEnv("RTSPCAM_DIAG_ADDR", ":8080"),
		serverIP:          getEnv("RTSPCAM_SERVER_IP", "127.0.0.1"),
		multicastGroup:    getEnv("RTSPCAM_MULTICAST_GROUP", "239.255.0.1"),
		multicastTTL:      getEnvInt("RTSPCAM_MULTICAST_TTL", 64),
		multicastBasePort: getEnvInt("RTSPCAM_MULTICAST_BASE_PORT", 5430),
		maxClients:        getEnvInt("RTSPCAM_MAX_CLIENTS", 4),
		multicastClients:  getEnvInt("RTSPCAM_MULTICAST_CLIENTS", 10),
		sampleRateHz:      getEnvInt("RTSPCAM_SAMPLE_RATE_HZ", 16000),
		enableVideo:       getEnvBool("RTSPCAM_ENABLE_VIDEO", true),
		enableAudio:       getEnvBool("RTSPCAM_ENABLE_AUDIO", true),
		enableSubtitles:   getEnvBool("RTSPCAM_ENABLE_SUBTITLES", false),
		useVideoWorker:    getEnvBool("RTSPCAM_USE_VIDEO_WORKER", false),
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
