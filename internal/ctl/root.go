// Package ctl implements pulsectl, the operator command line for pulsehub.
package ctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
)

var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	profilePath string
	url         string
	backendKey  string
	adminKey    string
	timeout     time.Duration

	// test hook
	httpClient *fasthttp.Client
}

// NewRootCmd builds the pulsectl command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&options{})
}

func newRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "pulsectl",
		Short: "Operate a pulsehub server",
		Long: `pulsectl signs identities, dispatches notifications and announcements,
inspects presence and stats over the REST API, and drains the SMS outbox
of a stopped server.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&o.profilePath, "profile", DefaultProfilePath(), "profile file with url and keys")
	pf.StringVar(&o.url, "url", "", "server base url (overrides profile)")
	pf.StringVar(&o.backendKey, "backend-key", "", "backend API key (overrides profile)")
	pf.StringVar(&o.adminKey, "admin-key", "", "admin API key (overrides profile)")
	pf.DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newSignCmd(o),
		newThreadCmd(o),
		newPresenceCmd(o),
		newAnnounceCmd(o),
		newNotifyCmd(o),
		newMemberCmd(o),
		newStatsCmd(o),
		newOutboxCmd(o),
	)
	return root
}

// Execute runs pulsectl with os.Args.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// profile merges the profile file with explicit flags.
func (o *options) profile() (*Profile, error) {
	p := &Profile{}
	if o.profilePath != "" {
		if loaded, err := LoadProfile(o.profilePath); err == nil {
			p = loaded
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if o.url != "" {
		p.URL = o.url
	}
	if o.backendKey != "" {
		p.BackendKey = o.backendKey
	}
	if o.adminKey != "" {
		p.AdminKey = o.adminKey
	}
	if p.URL == "" {
		p.URL = "http://127.0.0.1:8080"
	}
	return p, nil
}

func (o *options) backend() (*Client, error) {
	p, err := o.profile()
	if err != nil {
		return nil, err
	}
	if p.BackendKey == "" {
		return nil, fmt.Errorf("no backend key: set --backend-key or backend_key in %s", o.profilePath)
	}
	return NewClient(p.URL, p.BackendKey, o.timeout, o.httpClient), nil
}

func (o *options) admin() (*Client, error) {
	p, err := o.profile()
	if err != nil {
		return nil, err
	}
	if p.AdminKey == "" {
		return nil, fmt.Errorf("no admin key: set --admin-key or admin_key in %s", o.profilePath)
	}
	return NewClient(p.URL, p.AdminKey, o.timeout, o.httpClient), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
