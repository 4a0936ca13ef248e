package command

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/njfio/tau/internal/channelstore"
)

// CanvasService is the narrow contract for the Canvas collaborator.
type CanvasService interface {
	Execute(sub string, args []string) (string, error)
}

// NoCanvas is the default when no canvas backend is wired.
type NoCanvas struct{}

func (NoCanvas) Execute(string, []string) (string, error) {
	return "", fmt.Errorf("canvas collaborator not configured")
}

// AuthService is the narrow contract for auth diagnostics.
type AuthService interface {
	Status(provider string) (string, error)
	Matrix() (string, error)
}

// EnvAuth reports credential presence from the environment without ever
// echoing secret material.
type EnvAuth struct{}

var authEnvKeys = map[string][]string{
	"openai":    {"OPENAI_API_KEY", "TAU_OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY", "TAU_ANTHROPIC_API_KEY"},
	"google":    {"GOOGLE_API_KEY", "TAU_GOOGLE_API_KEY"},
}

func (EnvAuth) Status(provider string) (string, error) {
	if provider == "" {
		return EnvAuth{}.Matrix()
	}
	keys, ok := authEnvKeys[provider]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", provider)
	}
	for _, k := range keys {
		if os.Getenv(k) != "" {
			return fmt.Sprintf("%s: configured (%s)", provider, k), nil
		}
	}
	return provider + ": not configured", nil
}

func (EnvAuth) Matrix() (string, error) {
	providers := make([]string, 0, len(authEnvKeys))
	for p := range authEnvKeys {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	var b strings.Builder
	b.WriteString("provider   status\n")
	for _, p := range providers {
		line, _ := EnvAuth{}.Status(p)
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// DoctorService is the narrow contract for doctor diagnostics.
type DoctorService interface {
	Diagnose(online bool) (string, error)
}

// StoreDoctor inspects every channel record under the state directory for
// jsonl corruption. Online mode is accepted but adds nothing here; network
// probes belong to the external doctor collaborator.
type StoreDoctor struct {
	StateDir string
}

func (d StoreDoctor) Diagnose(online bool) (string, error) {
	var b strings.Builder
	b.WriteString("doctor report\n")
	if online {
		b.WriteString("online probes: skipped (no probe collaborator)\n")
	}

	channelsDir := filepath.Join(d.StateDir, "channels")
	transports, err := os.ReadDir(channelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			b.WriteString("channels: none")
			return b.String(), nil
		}
		return "", fmt.Errorf("read channels dir: %w", err)
	}

	total, corrupt := 0, 0
	for _, t := range transports {
		if !t.IsDir() {
			continue
		}
		sessions, err := os.ReadDir(filepath.Join(channelsDir, t.Name()))
		if err != nil {
			continue
		}
		for _, sess := range sessions {
			if !sess.IsDir() {
				continue
			}
			total++
			store, err := channelstore.Open(d.StateDir, t.Name(), sess.Name())
			if err != nil {
				continue
			}
			report, err := store.Inspect()
			if err != nil {
				continue
			}
			if n := report.InvalidTotal(); n > 0 {
				corrupt++
				fmt.Fprintf(&b, "channel %s/%s: %d invalid lines (run `tau repair`)\n", t.Name(), sess.Name(), n)
			}
		}
	}
	fmt.Fprintf(&b, "channels inspected: %d, corrupt: %d", total, corrupt)
	return b.String(), nil
}
