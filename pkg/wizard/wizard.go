package wizard

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cottagephilosopher/llm-relay/pkg/config"
)

// RunServerWizard walks through the relay settings interactively and
// saves the result to path.
func RunServerWizard(path string, cfg *config.ServerConfig) error {
	in := bufio.NewScanner(os.Stdin)
	fmt.Println("Relay configuration wizard")
	cfg.ListenAddr = ask(in, "Listen address", cfg.ListenAddr)

	fmt.Println("Upstream provider")
	cfg.Provider.BaseURL = ask(in, "  base_url", cfg.Provider.BaseURL)
	cfg.Provider.APIKey = ask(in, "  api_key", cfg.Provider.APIKey)
	cfg.Provider.DefaultModel = ask(in, "  default model", cfg.Provider.DefaultModel)
	if v := askInt(in, "  timeout_seconds", cfg.Provider.TimeoutSeconds); v > 0 {
		cfg.Provider.TimeoutSeconds = v
	}
	if v := askInt(in, "  max_retries", cfg.Provider.MaxRetries); v >= 0 {
		cfg.Provider.MaxRetries = v
	}

	cfg.Auth.RelayKey = ask(in, "Relay key (blank to only accept provisioned keys)", cfg.Auth.RelayKey)
	if v := askInt(in, "Requests per minute per caller", cfg.Limits.RequestsPerMinute); v > 0 {
		cfg.Limits.RequestsPerMinute = v
	}

	cfg.TLS.Enabled = askBool(in, "Enable Let's Encrypt TLS? (y/N)", cfg.TLS.Enabled)
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = ask(in, "TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = ask(in, "ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = ask(in, "ACME cache dir", cfg.TLS.CacheDir)
	}

	cfg.Logging.Redact = askBool(in, "Redact emails/phones/cards in stored logs? (Y/n)", cfg.Logging.Redact)

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func ask(in *bufio.Scanner, label, def string) string {
	if def == "" {
		fmt.Printf("%s: ", label)
	} else {
		fmt.Printf("%s [%s]: ", label, def)
	}
	if !in.Scan() {
		return def
	}
	txt := strings.TrimSpace(in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func askInt(in *bufio.Scanner, label string, def int) int {
	raw := ask(in, label, strconv.Itoa(def))
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func askBool(in *bufio.Scanner, label string, def bool) bool {
	raw := strings.TrimSpace(ask(in, label, boolStr(def)))
	switch strings.ToLower(raw) {
	case "y", "yes", "true":
		return true
	case "n", "no", "false":
		return false
	default:
		return def
	}
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
