package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/benmeehan/hybrid-tracker/internal/utils"
)

// commandRunner runs an external command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%s not found: %w", name, err)
	}
	return exec.CommandContext(ctx, name, args...).Output()
}

// MobileDataProbe reports the mobile data bearer as usable when ModemManager
// says the modem is connected.
func MobileDataProbe(modemIndex int) Probe {
	return mobileDataProbe(modemIndex, execRunner)
}

func mobileDataProbe(modemIndex int, run commandRunner) Probe {
	return func(ctx context.Context) error {
		out, err := run(ctx, "mmcli", "-m", strconv.Itoa(modemIndex), "--output-keyvalue")
		if err != nil {
			return fmt.Errorf("failed to query modem %d: %w", modemIndex, err)
		}
		scanner := bufio.NewScanner(bytes.NewReader(out))
		for scanner.Scan() {
			key, value, ok := strings.Cut(scanner.Text(), ":")
			if !ok || strings.TrimSpace(key) != "modem.generic.state" {
				continue
			}
			if state := strings.TrimSpace(value); state != "connected" {
				return fmt.Errorf("modem state %q", state)
			}
			return nil
		}
		return errors.New("modem state not reported")
	}
}

// TrustedWiFiProbe reports WiFi as usable only when the active network is on the trusted list.
func TrustedWiFiProbe(trustedSSIDs []string) Probe {
	return trustedWiFiProbe(trustedSSIDs, execRunner)
}

func trustedWiFiProbe(trustedSSIDs []string, run commandRunner) Probe {
	trusted := utils.SliceToSet(trustedSSIDs)
	return func(ctx context.Context) error {
		if len(trusted) == 0 {
			return errors.New("no trusted networks configured")
		}
		out, err := run(ctx, "nmcli", "-t", "-f", "ACTIVE,SSID", "dev", "wifi")
		if err != nil {
			return fmt.Errorf("failed to list wifi networks: %w", err)
		}
		scanner := bufio.NewScanner(bytes.NewReader(out))
		for scanner.Scan() {
			active, ssid, ok := strings.Cut(scanner.Text(), ":")
			if !ok || active != "yes" {
				continue
			}
			ssid = strings.ReplaceAll(ssid, `\:`, ":")
			if _, ok := trusted[ssid]; ok {
				return nil
			}
			return fmt.Errorf("active network %q is not trusted", ssid)
		}
		return errors.New("no active wifi network")
	}
}
