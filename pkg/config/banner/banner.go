package banner

import (
	"fmt"

	"pulsehub/pkg/config"
)

const banner = `
 ____        _          _   _       _
|  _ \ _   _| |___  ___| | | |_   _| |__
| |_) | | | | / __|/ _ \ |_| | | | | '_ \
|  __/| |_| | \__ \  __/  _  | |_| | |_) |
|_|    \__,_|_|___/\___|_| |_|\__,_|_.__/
`

// PrintWithEff prints the banner and a short readiness checklist for the
// effective configuration.
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", eff.Addr)
	fmt.Printf("DB Path:  %s\n", eff.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", src)

	if eff.Config == nil {
		return
	}
	cfg := eff.Config

	fmt.Println("\n== Production? =================================================")
	keyLine := func(name string, n int, hint string) {
		if n > 0 {
			fmt.Printf("- %s API keys: OK (%d)\n", name, n)
		} else {
			fmt.Printf("- %s API keys: MISSING (%s)\n", name, hint)
		}
	}
	keyLine("Backend", len(cfg.Server.APIKeys.Backend), "required to sign identities")
	keyLine("Frontend", len(cfg.Server.APIKeys.Frontend), "required for client access")
	keyLine("Admin", len(cfg.Server.APIKeys.Admin), "required for metrics")

	fmt.Printf("- Membership: %s\n", cfg.Membership.Mode)
	if cfg.Notifications.SMS.Enabled {
		fmt.Printf("- SMS: enabled (outbox cron=%s)\n", cfg.Notifications.SMS.OutboxCron)
	} else {
		fmt.Println("- SMS: disabled")
	}
	fmt.Println()
}
