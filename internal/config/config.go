package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Peer struct {
	ID      string
	BaseURL string
}

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DeviceID              string
	AuthSecret            string
	AccessTokenTTLMinutes int
	SyncPeers             []Peer
	SyncAPIKey            string
	SyncIntervalSeconds   int
	AuthorityPeer         string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	syncInterval, err := strconv.Atoi(getEnv("SYNC_INTERVAL_SECONDS", "30"))
	if err != nil || syncInterval < 1 {
		syncInterval = 30
	}

	peers := parsePeers(os.Getenv("SYNC_PEERS"))
	authority := strings.TrimSpace(os.Getenv("SYNC_AUTHORITY_PEER"))
	if authority == "" && len(peers) > 0 {
		authority = peers[0].ID
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		DeviceID:              strings.TrimSpace(os.Getenv("DEVICE_ID")),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		SyncPeers:             peers,
		SyncAPIKey:            strings.TrimSpace(os.Getenv("SYNC_API_KEY")),
		SyncIntervalSeconds:   syncInterval,
		AuthorityPeer:         authority,
	}

	return cfg
}

// parsePeers reads SYNC_PEERS as a comma list of id=url pairs, e.g.
// "hub=https://hub.local:8080,till-2=http://192.168.0.12:8080".
func parsePeers(raw string) []Peer {
	var peers []Peer
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		url = strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			continue
		}
		peers = append(peers, Peer{ID: id, BaseURL: url})
	}
	return peers
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
