// Package config loads process configuration for the B2BUA server.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// User is a registrar credential entry: an AOR mapped to its digest secret.
type User struct {
	AOR      string `json:"aor"`
	Password string `json:"password"`
	Realm    string `json:"realm"`
}

// Gateway is a statically configured upstream trunk the B2BUA can dial
// "gateway:<name>/<number>" targets against.
type Gateway struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`

	Username string `json:"username"`
	Password string `json:"password"`
	Realm    string `json:"realm"`

	CallerIDNumber string `json:"caller_id_number"`
	CallerIDName   string `json:"caller_id_name"`
	StripPrefix    string `json:"strip_prefix"`
	AddPrefix      string `json:"add_prefix"`

	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`
}

// Config holds the full runtime configuration of the B2BUA.
type Config struct {
	// SIP transport
	Port          int
	EnableTCP     bool
	BindAddr      string
	AdvertiseHost string
	AdvertisePort int
	LogLevel      string

	// Gateways
	Gateways []Gateway

	// Registrar
	Users                 []User
	RegistrationMaxExpiry time.Duration
	RegistrationMinExpiry time.Duration
	NonceStaleAfter        time.Duration

	// NAT
	PrivateCIDRs []string

	// RTPProxy control channel
	RTPProxyControlAddr string // e.g. "udp:127.0.0.1:22222" or "unix:/var/run/rtpproxy.sock"
	RTPProxyTimeout      time.Duration
	RTPProxyRetries      int

	// Domain served by the registrar, used to build AORs from bare usernames.
	Domain string

	// AnswerTimeout bounds how long an outbound leg waits for a final response.
	AnswerTimeout time.Duration
}

const autoAddr = "AUTO"

// Load reads configuration from flags and environment variables, resolving
// "AUTO" advertise-address sentinels against the host's network state.
func Load() (*Config, error) {
	cfg := &Config{
		RegistrationMaxExpiry: 3600 * time.Second,
		RegistrationMinExpiry: 60 * time.Second,
		NonceStaleAfter:        5 * time.Minute,
		RTPProxyTimeout:        1 * time.Second,
		RTPProxyRetries:        3,
		AnswerTimeout:          5 * time.Second,
	}

	var advertise, usersPath, gatewaysPath, cidrs string
	flag.IntVar(&cfg.Port, "port", 5060, "SIP UDP/TCP listening port")
	flag.BoolVar(&cfg.EnableTCP, "enable-tcp", true, "also listen for SIP over TCP")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&advertise, "advertise", autoAddr, "host[:port] to advertise in Via/Contact, or AUTO to detect")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.Domain, "domain", "", "SIP domain served by the registrar")
	flag.StringVar(&usersPath, "users", "", "path to a JSON file of registrar credentials")
	flag.StringVar(&gatewaysPath, "gateways", "", "path to a JSON file of upstream gateway/trunk definitions")
	flag.StringVar(&cidrs, "private-cidrs", "10.0.0.0/8,172.16.0.0/12,192.168.0.0/16", "comma-separated private CIDR ranges used for NAT detection")
	flag.StringVar(&cfg.RTPProxyControlAddr, "rtpproxy", "udp:127.0.0.1:22222", "rtpproxy control socket, e.g. udp:host:port or unix:/path")
	flag.Parse()

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if a := os.Getenv("ADVERTISE"); a != "" {
		advertise = a
	}
	if lvl := os.Getenv("LOGLEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if d := os.Getenv("DOMAIN"); d != "" {
		cfg.Domain = d
	}
	if u := os.Getenv("USERS_FILE"); u != "" {
		usersPath = u
	}
	if g := os.Getenv("GATEWAYS_FILE"); g != "" {
		gatewaysPath = g
	}
	if r := os.Getenv("RTPPROXY_ADDR"); r != "" {
		cfg.RTPProxyControlAddr = r
	}

	cfg.PrivateCIDRs = parseList(cidrs)

	host, port, err := resolveAdvertise(advertise, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("resolving advertise address: %w", err)
	}
	cfg.AdvertiseHost = host
	cfg.AdvertisePort = port

	if cfg.Domain == "" {
		cfg.Domain = cfg.AdvertiseHost
	}

	if usersPath != "" {
		users, err := loadUsers(usersPath)
		if err != nil {
			return nil, fmt.Errorf("loading users file: %w", err)
		}
		cfg.Users = users
	}

	if gatewaysPath != "" {
		gateways, err := loadGateways(gatewaysPath)
		if err != nil {
			return nil, fmt.Errorf("loading gateways file: %w", err)
		}
		cfg.Gateways = gateways
	}

	return cfg, nil
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadUsers(path string) ([]User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func loadGateways(path string) ([]Gateway, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var gateways []Gateway
	if err := json.Unmarshal(data, &gateways); err != nil {
		return nil, err
	}
	return gateways, nil
}

// resolveAdvertise splits a "host[:port]" spec, resolving AUTO via
// publicIP detection falling back to the primary local interface.
func resolveAdvertise(spec string, defaultPort int) (string, int, error) {
	host := spec
	port := defaultPort

	if strings.Contains(spec, ":") {
		h, p, err := net.SplitHostPort(spec)
		if err == nil {
			host = h
			if p != "" {
				if parsed, err := strconv.Atoi(p); err == nil {
					port = parsed
				}
			}
		}
	}

	if host == "" || strings.EqualFold(host, autoAddr) {
		if ip := detectPublicIP(); ip != "" {
			return ip, port, nil
		}
		return primaryInterfaceIP(), port, nil
	}
	return host, port, nil
}

// detectPublicIP makes a best-effort, short-timeout query against a public
// IP echo service. Failures are silent; the caller falls back to the
// primary local interface.
func detectPublicIP() string {
	endpoints := []string{
		"https://api.ipify.org",
		"https://ifconfig.me/ip",
	}
	client := &http.Client{Timeout: 2 * time.Second}
	for _, ep := range endpoints {
		resp, err := client.Get(ep)
		if err != nil {
			continue
		}
		buf := make([]byte, 64)
		n, _ := resp.Body.Read(buf)
		resp.Body.Close()
		ip := strings.TrimSpace(string(buf[:n]))
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	return ""
}

func primaryInterfaceIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
